// Package executor implements the executor (C8): it drives a short-lived
// DuckDB connection per plan node, splicing each report's already-validated
// placeholder spans into literal text — never re-ordering, re-indenting, or
// re-quoting the surrounding SQL — and hands the resulting COPY...TO PARQUET
// statement to the artifact cache for atomic publish.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"ducksearch/internal/apperr"
	"ducksearch/internal/cache"
	"ducksearch/internal/ddl"
	"ducksearch/internal/fingerprint"
	"ducksearch/internal/params"
	"ducksearch/internal/plan"
	"ducksearch/internal/report"
	"ducksearch/internal/scanner"
	"ducksearch/internal/secrets"
)

// Default per-node timeouts (spec §5).
const (
	DefaultSoftTimeout = 30 * time.Second
	DefaultHardTimeout = 5 * time.Minute
)

// Registry is the minimal surface the executor needs to follow an import
// node to its target report; satisfied by internal/registry.Registry.
type Registry interface {
	Get(id string) (*report.Report, bool)
}

// Executor owns the DuckDB connection pool used to materialize artifacts.
type Executor struct {
	DB     *sql.DB
	Cache  *cache.Cache
	Vault  *secrets.Vault
	Logger *slog.Logger

	ConfigConstants map[string]string

	SoftTimeout time.Duration
	HardTimeout time.Duration
}

// InstallExtensions loads the DuckDB extensions the executor relies on:
// httpfs for {{config}}/{{path}} placeholders that resolve to s3://, gcs://
// or https:// scan targets, and parquet for every COPY...TO...FORMAT PARQUET
// statement the executor issues. Mirrors the teacher's
// engine.InstallExtensions, trimmed to the two extensions this core
// actually needs (no ducklake/sqlite ATTACH — out of scope per spec §1).
func InstallExtensions(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		"INSTALL httpfs; LOAD httpfs;",
		"INSTALL parquet; LOAD parquet;",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("extension setup (%s): %w", stmt, err)
		}
	}
	return nil
}

// New constructs an Executor. db must already have the duckdb driver's
// extensions (httpfs, parquet) available; maxConns<=0 resolves to 2x NumCPU.
func New(db *sql.DB, c *cache.Cache, vault *secrets.Vault, configConstants map[string]string, logger *slog.Logger, maxConns int) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = 2 * runtime.NumCPU()
	}
	db.SetMaxOpenConns(maxConns)
	return &Executor{
		DB: db, Cache: c, Vault: vault, Logger: logger,
		ConfigConstants: configConstants,
		SoftTimeout:     DefaultSoftTimeout,
		HardTimeout:     DefaultHardTimeout,
	}
}

// buildCtx is the per-report execution context threaded through node
// builds: the already-resolved server parameters, and the paths/values
// produced by upstream nodes as they complete.
type buildCtx struct {
	report       *report.Report
	resolved     params.Resolved
	deploymentID string
	spans        map[string]plan.CTESpan

	matPaths    map[string]string // cte name -> quoted parquet path literal, used for splicing
	matRaw      map[string]string // cte name -> unquoted parquet path, surfaced in the manifest
	bindingVals map[string]string // binding id -> literal (already quoted/typed), used for splicing
	bindingRaw  map[string]string // binding id -> unquoted resolved value, used for the manifest (spec §4.10)
	litPaths    map[string]string // literal source id -> quoted parquet path literal, used for splicing
	litRaw      map[string]string // literal source id -> unquoted parquet path, surfaced in the manifest
	importPaths map[string]string // import id -> quoted parquet path literal
}

// Result is everything one Execute call produces beyond the base artifact's
// path: the real on-disk Parquet path of every materialization and literal
// source node, and the resolved value of every binding node. The dispatcher
// surfaces all three verbatim in the manifest (spec §4.10 step 5: `{path}`
// for materialize/literal_sources, `{value}` for bindings), rather than a
// fingerprint a client has no way to turn into a `/cache/<kind>/<fp>.parquet`
// URL without already knowing the kind+extension convention out of band.
type Result struct {
	BasePath       string
	Materialize    map[string]string
	LiteralSources map[string]string
	Bindings       map[string]string
}

// Execute runs every node of p in order (p.Nodes is already topologically
// sorted by the plan builder) and returns a Result carrying the Base
// artifact's path alongside the real path of every materialization/literal
// source node and the resolved value of every binding node (spec §4.10 step
// 5, E2E scenarios 1 and 2). reg is consulted only when p contains an
// import node.
func (ex *Executor) Execute(ctx context.Context, reg Registry, r *report.Report, resolved params.Resolved, p *plan.Plan, deploymentID string) (Result, error) {
	spans, err := plan.MaterializeSpans(r.SQL)
	if err != nil {
		return Result{}, err
	}
	bc := &buildCtx{
		report: r, resolved: resolved, deploymentID: deploymentID, spans: spans,
		matPaths: map[string]string{}, matRaw: map[string]string{},
		bindingVals: map[string]string{}, bindingRaw: map[string]string{},
		litPaths: map[string]string{}, litRaw: map[string]string{},
		importPaths: map[string]string{},
	}

	var basePath string
	for _, node := range p.Nodes {
		path, err := ex.executeNode(ctx, reg, bc, node)
		if err != nil {
			return Result{}, err
		}
		switch node.Kind {
		case plan.NodeMaterialize:
			bc.matPaths[node.Name] = ddl.QuoteLiteral(path)
			bc.matRaw[node.Name] = path
		case plan.NodeLiteralSource:
			bc.litPaths[node.Name] = ddl.QuoteLiteral(path)
			bc.litRaw[node.Name] = path
		case plan.NodeImport:
			bc.importPaths[node.Name] = ddl.QuoteLiteral(path)
		case plan.NodeBinding:
			literal, raw, err := ex.resolveBindingValue(ctx, bc, node)
			if err != nil {
				return Result{}, err
			}
			bc.bindingVals[node.Name] = literal
			bc.bindingRaw[node.Name] = raw
		case plan.NodeBase:
			basePath = path
		}
	}
	return Result{
		BasePath:       basePath,
		Materialize:    bc.matRaw,
		LiteralSources: bc.litRaw,
		Bindings:       bc.bindingRaw,
	}, nil
}

func (ex *Executor) executeNode(ctx context.Context, reg Registry, bc *buildCtx, node plan.PlanNode) (string, error) {
	switch node.Kind {
	case plan.NodeMaterialize:
		return ex.buildMaterialize(ctx, bc, node)
	case plan.NodeLiteralSource:
		return ex.buildLiteralSource(ctx, bc, node)
	case plan.NodeImport:
		return ex.buildImport(ctx, reg, bc, node)
	case plan.NodeBinding:
		// Bindings don't publish an artifact; resolveBindingValue (called by
		// Execute after this returns) reads the value directly. Return the
		// source CTE's own path; Execute ignores it for binding nodes.
		return bc.matPaths[bindingSourceCTE(bc.report, node.Name)], nil
	case plan.NodeBase:
		return ex.buildBase(ctx, bc, node)
	default:
		return "", apperr.New(apperr.SqlExecutionError, "unknown plan node kind %q", node.Kind)
	}
}

func bindingSourceCTE(r *report.Report, bindingID string) string {
	if r.Meta.Bindings == nil {
		return ""
	}
	for _, b := range r.Meta.Bindings.Bindings {
		if b.ID == bindingID {
			return b.SourceCTE
		}
	}
	return ""
}

func (ex *Executor) resolver(bc *buildCtx) Resolver {
	return func(ph scanner.Placeholder) (string, error) {
		switch ph.Kind {
		case scanner.KindParam:
			v, ok := bc.resolved.Server[ph.Name]
			if !ok || v.Absent {
				return "NULL", nil
			}
			return v.Literal, nil
		case scanner.KindConfig:
			val, ok := ex.ConfigConstants[ph.Name]
			if !ok {
				return "", apperr.New(apperr.UndeclaredName, "{{config %s}} has no value configured", ph.Name)
			}
			return ddl.QuoteLiteral(val), nil
		case scanner.KindPath:
			val, ok := ex.ConfigConstants[ph.Name]
			if !ok {
				return "", apperr.New(apperr.UndeclaredName, "{{path %s}} has no value configured", ph.Name)
			}
			return ddl.QuoteLiteral(val), nil
		case scanner.KindIdent:
			val, ok := ex.ConfigConstants[ph.Name]
			if !ok {
				if v, ok := bc.resolved.Server[ph.Name]; ok && !v.Absent {
					return v.Literal, nil
				}
				return "", apperr.New(apperr.UndeclaredName, "{{ident %s}} has no value configured", ph.Name)
			}
			return val, nil
		case scanner.KindBind:
			val, ok := bc.bindingVals[ph.Name]
			if !ok {
				return "", apperr.New(apperr.UndeclaredName, "{{bind %s}} was not resolved before use", ph.Name)
			}
			return val, nil
		case scanner.KindMat:
			val, ok := bc.matPaths[ph.Name]
			if !ok {
				return "", apperr.New(apperr.UndeclaredName, "{{mat %s}} was not materialized before use", ph.Name)
			}
			return val, nil
		case scanner.KindImport:
			val, ok := bc.importPaths[ph.Name]
			if !ok {
				return "", apperr.New(apperr.UndeclaredName, "{{import %s}} was not resolved before use", ph.Name)
			}
			return val, nil
		case scanner.KindSecret:
			val, err := ex.Vault.Resolve(ph.Name)
			if err != nil {
				return "", err
			}
			return ddl.QuoteLiteral(val), nil
		default:
			return "", apperr.New(apperr.InvalidPlaceholder, "unhandled placeholder kind %q", ph.Kind)
		}
	}
}

func (ex *Executor) buildMaterialize(ctx context.Context, bc *buildCtx, node plan.PlanNode) (string, error) {
	sp, ok := bc.spans[node.Name]
	if !ok {
		return "", apperr.New(apperr.ForbiddenSqlConstruct, "materialize node %q has no CTE span", node.Name)
	}
	body, err := splice(bc.report.SQL, sp.BodyStart, sp.BodyEnd, bc.report.Placeholders, ex.resolver(bc))
	if err != nil {
		return "", err
	}
	stmt := fmt.Sprintf("COPY (%s) TO '%%s' (FORMAT PARQUET)", body)
	return ex.runCopy(ctx, cache.KindMaterialize, node.Fingerprint, stmt)
}

func (ex *Executor) buildLiteralSource(ctx context.Context, bc *buildCtx, node plan.PlanNode) (string, error) {
	var spec report.LiteralSourceSpec
	found := false
	if bc.report.Meta.LiteralSrcs != nil {
		for _, ls := range bc.report.Meta.LiteralSrcs.Sources {
			if ls.ID == node.Name {
				spec, found = ls, true
				break
			}
		}
	}
	if !found {
		return "", apperr.New(apperr.UndeclaredName, "literal source %q not declared", node.Name)
	}
	srcPath, ok := bc.matPaths[spec.FromCTE]
	if !ok {
		return "", apperr.New(apperr.UndeclaredName, "literal source %q from_cte %q not yet materialized", node.Name, spec.FromCTE)
	}
	query := fmt.Sprintf("SELECT DISTINCT %s AS value FROM parquet_scan(%s)", ddl.QuoteIdentifier(spec.ValueColumn), srcPath)
	stmt := fmt.Sprintf("COPY (%s) TO '%%s' (FORMAT PARQUET)", query)
	return ex.runCopy(ctx, cache.KindLiteralSource, node.Fingerprint, stmt)
}

// resolveBindingValue returns the binding's value twice: once as a literal
// ready to splice into SQL (quoted for everything but identifier bindings),
// and once as the raw unquoted string the manifest surfaces to the caller.
func (ex *Executor) resolveBindingValue(ctx context.Context, bc *buildCtx, node plan.PlanNode) (literal string, raw string, err error) {
	var spec report.BindingSpec
	found := false
	if bc.report.Meta.Bindings != nil {
		for _, b := range bc.report.Meta.Bindings.Bindings {
			if b.ID == node.Name {
				spec, found = b, true
				break
			}
		}
	}
	if !found {
		return "", "", apperr.New(apperr.UndeclaredName, "binding %q not declared", node.Name)
	}
	srcPath, ok := bc.matPaths[spec.SourceCTE]
	if !ok {
		return "", "", apperr.New(apperr.UndeclaredName, "binding %q source_cte %q not yet materialized", node.Name, spec.SourceCTE)
	}
	key, ok := bc.resolved.Server[spec.KeyParam]
	if !ok || key.Absent {
		return "NULL", "", nil
	}
	query := fmt.Sprintf(
		"SELECT %s FROM parquet_scan(%s) WHERE %s = %s LIMIT 1",
		ddl.QuoteIdentifier(spec.ValueColumn), srcPath, ddl.QuoteIdentifier(spec.KeyColumn), key.Literal,
	)
	ctx, cancel := context.WithTimeout(ctx, ex.SoftTimeout)
	defer cancel()
	row := ex.DB.QueryRowContext(ctx, query)
	var value string
	if err := row.Scan(&value); err != nil {
		return "", "", ex.classifyErr(err, bc.report.ID, node.Name)
	}
	if spec.Kind == report.BindingIdentifier {
		return value, value, nil
	}
	return ddl.QuoteLiteral(value), value, nil
}

func (ex *Executor) buildImport(ctx context.Context, reg Registry, bc *buildCtx, node plan.PlanNode) (string, error) {
	var spec report.ImportSpec
	found := false
	if bc.report.Meta.Imports != nil {
		for _, im := range bc.report.Meta.Imports.Imports {
			if im.ID == node.Name {
				spec, found = im, true
				break
			}
		}
	}
	if !found {
		return "", apperr.New(apperr.UndeclaredName, "import %q not declared", node.Name)
	}
	target, ok := reg.Get(spec.TargetReport)
	if !ok {
		return "", apperr.New(apperr.ReportNotFound, "import %q target_report %q not found", node.Name, spec.TargetReport)
	}
	passed := params.Resolved{Server: params.Values{}, Client: params.Values{}}
	for _, name := range spec.PassParams {
		if v, ok := bc.resolved.Server[name]; ok {
			passed.Server[name] = v
		}
	}
	targetPlan, err := plan.Build(target, passed, reg, bc.deploymentID)
	if err != nil {
		return "", fmt.Errorf("building import %s plan: %w", node.Name, err)
	}
	result, err := ex.Execute(ctx, reg, target, passed, targetPlan, bc.deploymentID)
	return result.BasePath, err
}

func (ex *Executor) buildBase(ctx context.Context, bc *buildCtx, node plan.PlanNode) (string, error) {
	body, err := splice(bc.report.SQL, 0, len(bc.report.SQL), bc.report.Placeholders, ex.resolver(bc))
	if err != nil {
		return "", err
	}
	stmt := fmt.Sprintf("COPY (%s) TO '%%s' (FORMAT PARQUET)", strings.TrimRight(strings.TrimSpace(body), ";"))
	return ex.runCopy(ctx, cache.KindBase, node.Fingerprint, stmt)
}

// runCopy asks the cache for a fresh artifact of kind/fp, building it (on a
// cache miss) by executing stmtTemplate — a COPY...TO '%s' statement with
// the tmp path substituted in — against a single short-lived connection.
func (ex *Executor) runCopy(ctx context.Context, kind cache.Kind, fp fingerprint.Digest, stmtTemplate string) (string, error) {
	return ex.Cache.GetOrBuild(ctx, kind, fp, 0, func(ctx context.Context, tmpPath string) error {
		stmt := fmt.Sprintf(stmtTemplate, tmpPath)
		return ex.runWithRetry(ctx, stmt)
	})
}

// runWithRetry executes stmt under SoftTimeout, retrying once with backoff
// on a classified EngineUnavailable error, and failing after HardTimeout
// regardless (spec §4.7 failure semantics).
func (ex *Executor) runWithRetry(ctx context.Context, stmt string) error {
	hardCtx, cancel := context.WithTimeout(ctx, ex.HardTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-hardCtx.Done():
				return ex.timeoutErr(hardCtx.Err())
			}
		}
		softCtx, softCancel := context.WithTimeout(hardCtx, ex.SoftTimeout)
		_, err := ex.DB.ExecContext(softCtx, stmt)
		softCancel()
		if err == nil {
			return nil
		}
		if hardCtx.Err() != nil {
			return ex.timeoutErr(hardCtx.Err())
		}
		lastErr = ex.classifyErr(err, "", "")
		if ae, ok := lastErr.(*apperr.Error); !ok || ae.ErrCode != apperr.EngineUnavailable {
			return lastErr
		}
	}
	return lastErr
}

// timeoutErr maps an exhausted hard-timeout context to BuildTimeout (spec
// §5): a soft-timeout expiry within the retry loop stays EngineUnavailable
// (and is retried), but once the hard deadline passes the build is aborted
// for good and the BuildToken's waiters all see BuildTimeout.
func (ex *Executor) timeoutErr(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.BuildTimeout, cause, "build exceeded hard timeout (%s)", ex.HardTimeout)
	}
	return ex.classifyErr(cause, "", "")
}

// classifyErr maps a raw DuckDB/driver error into the two-class taxonomy
// spec §4.7 requires, redacting any secret-derived substring first so a
// secret value can never reach a log line or an HTTP error body (spec §4.9).
func (ex *Executor) classifyErr(err error, reportID, nodeName string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if ex.Vault != nil {
		msg = ex.Vault.Redact(msg)
	}
	lower := strings.ToLower(msg)
	code := apperr.SqlExecutionError
	if strings.Contains(lower, "connection") || strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "context deadline exceeded") || strings.Contains(lower, "out of memory") {
		code = apperr.EngineUnavailable
	}
	firstLine := msg
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		firstLine = msg[:idx]
	}
	e := apperr.Wrap(code, err, "%s", firstLine)
	if reportID != "" {
		e = e.WithReport(reportID)
	}
	if nodeName != "" {
		e = e.WithBlock(nodeName, 0)
	}
	return e
}
