// Package dispatch implements the public dispatcher (C11): the single
// entry point `Dispatch(reportID, rawParams) -> Manifest` that wires
// together the registry, parameter resolver, plan builder, artifact cache
// and executor into one request-scoped pipeline (spec §4.10).
package dispatch

import (
	"context"
	"net/url"

	"ducksearch/internal/apperr"
	"ducksearch/internal/executor"
	"ducksearch/internal/params"
	"ducksearch/internal/plan"
	"ducksearch/internal/report"
)

// DefaultCacheTTLSeconds is the fallback TTL surfaced to callers when a
// report's CACHE block does not override it (spec §4.6).
const DefaultCacheTTLSeconds = 300

// Registry is the minimal surface the dispatcher needs; satisfied by
// internal/registry.Registry.
type Registry interface {
	Get(id string) (*report.Report, bool)
}

// Dispatcher wires C5 (params) -> C6 (plan) -> C8 (executor, which itself
// probes/builds through C7) for one report at a time.
type Dispatcher struct {
	Registry     Registry
	Executor     *executor.Executor
	DeploymentID string
}

// New constructs a Dispatcher.
func New(reg Registry, ex *executor.Executor, deploymentID string) *Dispatcher {
	return &Dispatcher{Registry: reg, Executor: ex, DeploymentID: deploymentID}
}

// Manifest is the JSON shape returned by GET /report (spec §4.10 step 5).
type Manifest struct {
	Report         string            `json:"report"`
	BaseParquet    string            `json:"base_parquet"`
	Materialize    map[string]string `json:"materialize"`
	LiteralSources map[string]string `json:"literal_sources"`
	Bindings       map[string]string `json:"bindings"`
	ClientParams   map[string]any    `json:"client_params"`
	TTLSeconds     int               `json:"ttl_seconds"`
	Schema         Schema            `json:"schema"`
}

// Schema is the passthrough TABLE/SEARCH/FACETS/CHARTS surface a browser
// runtime needs to render without a second round-trip (SPEC_FULL.md §A.3).
type Schema struct {
	Table  *report.TableBlock  `json:"table,omitempty"`
	Search *report.SearchBlock `json:"search,omitempty"`
	Facets *report.FacetsBlock `json:"facets,omitempty"`
	Charts *report.ChartsBlock `json:"charts,omitempty"`
}

// Dispatch runs the full pipeline for one request.
func (d *Dispatcher) Dispatch(ctx context.Context, reportID string, rawParams url.Values) (*Manifest, error) {
	r, ok := d.Registry.Get(reportID)
	if !ok {
		return nil, apperr.New(apperr.ReportNotFound, "no report registered at %q", reportID).WithReport(reportID)
	}

	var declared []report.ParamSpec
	if r.Meta.Params != nil {
		declared = r.Meta.Params.Params
	}
	resolved, err := params.Resolve(declared, rawParams)
	if err != nil {
		return nil, withReport(err, reportID)
	}

	derived, err := plan.EvalDerivedParams(r.Meta, resolved)
	if err != nil {
		return nil, withReport(err, reportID)
	}
	for name, v := range derived {
		resolved.Server[name] = v
	}

	declaredByName := map[string]report.ParamSpec{}
	for _, p := range declared {
		declaredByName[p.Name] = p
	}
	resolved, err = plan.ApplyHybridEligibility(r, declaredByName, resolved, plan.DefaultMaxHybridValueSet)
	if err != nil {
		return nil, withReport(err, reportID)
	}

	p, err := plan.Build(r, resolved, d.Registry, d.DeploymentID)
	if err != nil {
		return nil, withReport(err, reportID)
	}

	result, err := d.Executor.Execute(ctx, d.Registry, r, resolved, p, d.DeploymentID)
	if err != nil {
		return nil, withReport(err, reportID)
	}

	m := &Manifest{
		Report:         reportID,
		BaseParquet:    result.BasePath,
		Materialize:    result.Materialize,
		LiteralSources: result.LiteralSources,
		Bindings:       result.Bindings,
		ClientParams:   clientParamsJSON(resolved.Client),
		TTLSeconds:     cacheTTLSeconds(r),
		Schema: Schema{
			Table:  r.Meta.Table,
			Search: r.Meta.Search,
			Facets: r.Meta.Facets,
			Charts: r.Meta.Charts,
		},
	}
	return m, nil
}

func cacheTTLSeconds(r *report.Report) int {
	if r.Meta.Cache != nil && r.Meta.Cache.TTLSeconds != nil {
		return *r.Meta.Cache.TTLSeconds
	}
	return DefaultCacheTTLSeconds
}

func clientParamsJSON(vals params.Values) map[string]any {
	out := make(map[string]any, len(vals))
	for name, v := range vals {
		if v.Absent {
			out[name] = nil
			continue
		}
		if v.List != nil {
			out[name] = v.List
			continue
		}
		out[name] = v.Scalar
	}
	return out
}

func withReport(err error, reportID string) error {
	if ae, ok := err.(*apperr.Error); ok && ae.Report == "" {
		return ae.WithReport(reportID)
	}
	return err
}
