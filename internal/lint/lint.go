// Package lint implements the static validator (C4): it runs after C2/C3
// over a registry snapshot and rejects reports that reference undeclared
// entities, form import cycles, or otherwise violate the report contract
// before any SQL is ever executed.
package lint

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"ducksearch/internal/apperr"
	"ducksearch/internal/report"
)

// Registry is the minimal surface lint needs from the report registry,
// kept as an interface here so this package never imports internal/registry
// (which itself depends on internal/report, not on lint).
type Registry interface {
	Get(id string) (*report.Report, bool)
	IDs() []string
}

// Finding is one lint failure, identified enough for both a human CLI
// report and the `--format json` machine-readable output (SPEC_FULL.md §A.3).
type Finding struct {
	ReportID string      `json:"report"`
	Block    string      `json:"block,omitempty"`
	Line     int         `json:"line,omitempty"`
	Code     apperr.Code `json:"code"`
	Message  string      `json:"message"`
}

// cteNameRe finds candidate CTE names: IDENT AS ( ... preceded by WITH or a
// comma in a WITH clause. This is intentionally not a full SQL parser —
// C8's determinism requirement rules out building and mutating an AST, and
// the same philosophy applies to static analysis: a name index over
// "IDENT AS (" occurrences is sufficient to validate cross-references.
var cteNameRe = regexp.MustCompile(`(?i)\b([A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)

func cteNames(sql string) map[string]bool {
	names := map[string]bool{}
	for _, m := range cteNameRe.FindAllStringSubmatch(sql, -1) {
		names[m[1]] = true
	}
	return names
}

// Report runs every static check against one report within reg and returns
// all findings (not just the first).
func Report(reg Registry, r *report.Report) []Finding {
	var findings []Finding
	add := func(block string, line int, code apperr.Code, format string, args ...any) {
		findings = append(findings, Finding{
			ReportID: r.ID, Block: block, Line: line, Code: code,
			Message: fmt.Sprintf(format, args...),
		})
	}

	declaredParams := map[string]report.ParamSpec{}
	if r.Meta.Params != nil {
		for _, p := range r.Meta.Params.Params {
			declaredParams[p.Name] = p
		}
	}
	declaredConfig := map[string]bool{}
	if r.Meta.Config != nil {
		for _, n := range r.Meta.Config.Names {
			declaredConfig[n] = true
		}
	}
	declaredSecrets := map[string]bool{}
	if r.Meta.Secrets != nil {
		for _, n := range r.Meta.Secrets.Secrets {
			declaredSecrets[n] = true
		}
	}
	declaredBindings := map[string]report.BindingSpec{}
	if r.Meta.Bindings != nil {
		for _, b := range r.Meta.Bindings.Bindings {
			declaredBindings[b.ID] = b
		}
	}
	declaredMats := cteNames(r.SQL)
	declaredImports := map[string]report.ImportSpec{}
	if r.Meta.Imports != nil {
		for _, im := range r.Meta.Imports.Imports {
			declaredImports[im.ID] = im
		}
	}

	// Every {{param X}} references a declared param with scope in {data,hybrid}.
	for _, ph := range r.Placeholders {
		switch ph.Kind {
		case "param":
			p, ok := declaredParams[ph.Name]
			if !ok {
				add("PARAMS", 0, apperr.UndeclaredName, "{{param %s}} references an undeclared parameter", ph.Name)
				continue
			}
			if p.Scope != report.ScopeData && p.Scope != report.ScopeHybrid {
				add("PARAMS", 0, apperr.BadScopeRouting, "parameter %s is referenced in SQL but declared scope=%s", ph.Name, p.Scope)
			}
		case "bind":
			if _, ok := declaredBindings[ph.Name]; !ok {
				add("BINDINGS", 0, apperr.UndeclaredName, "{{bind %s}} references an undeclared binding", ph.Name)
			}
		case "mat":
			if !declaredMats[ph.Name] {
				add("SQL", 0, apperr.UndeclaredName, "{{mat %s}} references a name with no matching CTE", ph.Name)
			}
		case "import":
			if _, ok := declaredImports[ph.Name]; !ok {
				add("IMPORTS", 0, apperr.UndeclaredName, "{{import %s}} references an undeclared import", ph.Name)
			}
		case "config":
			// Enforced only when the report declares a CONFIG names list;
			// a report that omits CONFIG entirely is trusting the root
			// config.toml's [config] table without a local typo-guard.
			if len(declaredConfig) > 0 && !declaredConfig[ph.Name] {
				add("CONFIG", 0, apperr.UndeclaredName, "{{config %s}} references an undeclared config constant", ph.Name)
			}
		case "secret":
			if !declaredSecrets[ph.Name] {
				add("SECRETS", 0, apperr.UndeclaredName, "{{secret %s}} references an undeclared secret", ph.Name)
			}
		}
	}

	// A param declared with scope=view must not be referenced in SQL.
	referencedParams := map[string]bool{}
	for _, ph := range r.Placeholders {
		if ph.Kind == "param" {
			referencedParams[ph.Name] = true
		}
	}
	for name, p := range declaredParams {
		if p.Scope == report.ScopeView && referencedParams[name] {
			add("PARAMS", 0, apperr.BadScopeRouting, "parameter %s has scope=view but is referenced in SQL", name)
		}
	}

	// Every binding's source_cte names a CTE in the SQL body.
	if r.Meta.Bindings != nil {
		for _, b := range r.Meta.Bindings.Bindings {
			if !declaredMats[b.SourceCTE] {
				add("BINDINGS", 0, apperr.UndeclaredName, "binding %s's source_cte %q has no matching CTE", b.ID, b.SourceCTE)
			}
		}
	}

	// Every literal source's from_cte names a CTE in the SQL body.
	if r.Meta.LiteralSrcs != nil {
		for _, ls := range r.Meta.LiteralSrcs.Sources {
			if !declaredMats[ls.FromCTE] {
				add("LITERAL_SOURCES", 0, apperr.UndeclaredName, "literal source %s's from_cte %q has no matching CTE", ls.ID, ls.FromCTE)
			}
		}
	}

	// applies_to: wrapper CTEs must have both <cte>_base and <cte> present.
	if r.Meta.Params != nil {
		for _, p := range r.Meta.Params.Params {
			if p.AppliesTo != nil && p.AppliesTo.Mode == report.AppliesWrapper {
				base := p.AppliesTo.CTE + "_base"
				if !declaredMats[base] || !declaredMats[p.AppliesTo.CTE] {
					add("PARAMS", 0, apperr.UndeclaredName,
						"parameter %s applies_to wrapper CTE %q requires both %q and %q to be present",
						p.Name, p.AppliesTo.CTE, base, p.AppliesTo.CTE)
				}
			}
		}
	}

	// Every import resolves to a report in the registry.
	if r.Meta.Imports != nil {
		for _, im := range r.Meta.Imports.Imports {
			if _, ok := reg.Get(im.TargetReport); !ok {
				add("IMPORTS", 0, apperr.ReportNotFound, "import %s's target_report %q is not in the registry", im.ID, im.TargetReport)
			}
		}
	}

	// Secrets declared but never referenced are harmless; secrets referenced
	// but not declared are caught above. No additional non-serialization
	// check is needed here since C9 never accepts a raw value through this
	// package.

	if findings == nil {
		if err := checkImportCycle(reg, r.ID, map[string]bool{}, map[string]bool{}); err != nil {
			findings = append(findings, Finding{ReportID: r.ID, Code: apperr.ImportCycle, Message: err.Error()})
		}
	}

	return findings
}

// checkImportCycle performs a DFS over the import graph reachable from id,
// reporting the first cycle found.
func checkImportCycle(reg Registry, id string, visiting, done map[string]bool) error {
	if done[id] {
		return nil
	}
	if visiting[id] {
		return fmt.Errorf("import cycle detected at %s", id)
	}
	r, ok := reg.Get(id)
	if !ok {
		return nil
	}
	visiting[id] = true
	if r.Meta.Imports != nil {
		for _, im := range r.Meta.Imports.Imports {
			if err := checkImportCycle(reg, im.TargetReport, visiting, done); err != nil {
				return err
			}
		}
	}
	visiting[id] = false
	done[id] = true
	return nil
}

// All runs Report over every report in reg, in deterministic ID order.
func All(reg Registry) []Finding {
	ids := reg.IDs()
	sort.Strings(ids)
	var findings []Finding
	for _, id := range ids {
		r, ok := reg.Get(id)
		if !ok {
			continue
		}
		findings = append(findings, Report(reg, r)...)
	}
	return findings
}

// FormatText renders findings as plain-text lines for the default CLI output.
func FormatText(findings []Finding) string {
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "%s: %s: %s", f.ReportID, f.Code, f.Message)
		if f.Block != "" {
			fmt.Fprintf(&b, " (block=%s)", f.Block)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
