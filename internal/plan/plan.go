// Package plan implements the plan builder (C6): given a report's resolved
// parameters, it topologically orders materializations, bindings, literal
// sources and imports into a Plan of fingerprinted PlanNodes, and enforces
// the structural eligibility rules that decide whether a hybrid parameter
// may stay in the client bag or must be demoted to the server.
package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"ducksearch/internal/apperr"
	"ducksearch/internal/fingerprint"
	"ducksearch/internal/params"
	"ducksearch/internal/report"
	"ducksearch/internal/scanner"
)

// NodeKind is one PlanNode variant (spec §3).
type NodeKind string

const (
	NodeMaterialize   NodeKind = "materialize"
	NodeBinding       NodeKind = "binding"
	NodeLiteralSource NodeKind = "literal_source"
	NodeImport        NodeKind = "import"
	NodeBase          NodeKind = "base"
	NodeSlice         NodeKind = "slice"
)

// PlanNode is one node of the execution plan: a content-addressed build
// target plus the upstream fingerprints it was built from.
type PlanNode struct {
	Kind        NodeKind
	Name        string // cte name / binding id / literal source id / import id / slice kind; "" for Base
	Fingerprint fingerprint.Digest
	Upstream    []fingerprint.Digest
}

// Plan is the full ordered set of nodes required to produce one report's
// base artifact (and, later, any requested slice).
type Plan struct {
	ReportID string
	Nodes    []PlanNode
	Base     PlanNode
}

// Registry is the minimal surface plan needs to resolve imports; satisfied
// by internal/registry.Registry.
type Registry interface {
	Get(id string) (*report.Report, bool)
}

// Build runs C6 over a report whose parameters have already gone through C5
// (and any DERIVED_PARAMS merged in via EvalDerivedParams), producing a
// topologically ordered Plan.
func Build(r *report.Report, resolved params.Resolved, reg Registry, deploymentID string) (*Plan, error) {
	declaredParams := map[string]report.ParamSpec{}
	if r.Meta.Params != nil {
		for _, p := range r.Meta.Params.Params {
			declaredParams[p.Name] = p
		}
	}

	spans, err := materializedCTEs(r.SQL)
	if err != nil {
		return nil, err
	}
	levels, err := topoSortCTEs(spans, r.SQL)
	if err != nil {
		return nil, err
	}

	builtCTEs := map[string]PlanNode{}
	var nodes []PlanNode
	for _, level := range levels {
		for _, name := range level {
			node := buildMaterializeNode(r, deploymentID, name, spans[name], builtCTEs, declaredParams, resolved)
			builtCTEs[name] = node
			nodes = append(nodes, node)
		}
	}

	bindingNodes := map[string]PlanNode{}
	if r.Meta.Bindings != nil {
		for _, b := range r.Meta.Bindings.Bindings {
			srcNode, ok := builtCTEs[b.SourceCTE]
			if !ok {
				return nil, apperr.New(apperr.UndeclaredName, "binding %s source_cte %q was never materialized", b.ID, b.SourceCTE)
			}
			inputs := []fingerprint.NodeInput{
				{Name: "id", Value: b.ID},
				{Name: "key_column", Value: b.KeyColumn},
				{Name: "value_column", Value: b.ValueColumn},
				{Name: "kind", Value: string(b.Kind)},
			}
			if v, ok := resolved.Server[b.KeyParam]; ok {
				inputs = append(inputs, fingerprint.NodeInput{Name: "key_param:" + b.KeyParam, Value: v.FingerprintValue(), Abs: v.Absent})
			}
			fp := fingerprint.Node(deploymentID, r.SourceFP, string(NodeBinding), b.ID, []fingerprint.Digest{srcNode.Fingerprint}, inputs)
			node := PlanNode{Kind: NodeBinding, Name: b.ID, Fingerprint: fp, Upstream: []fingerprint.Digest{srcNode.Fingerprint}}
			bindingNodes[b.ID] = node
			nodes = append(nodes, node)
		}
	}

	litNodes := map[string]PlanNode{}
	if r.Meta.LiteralSrcs != nil {
		for _, ls := range r.Meta.LiteralSrcs.Sources {
			srcNode, ok := builtCTEs[ls.FromCTE]
			if !ok {
				return nil, apperr.New(apperr.UndeclaredName, "literal source %s from_cte %q was never materialized", ls.ID, ls.FromCTE)
			}
			inputs := []fingerprint.NodeInput{
				{Name: "id", Value: ls.ID},
				{Name: "value_column", Value: ls.ValueColumn},
			}
			fp := fingerprint.Node(deploymentID, r.SourceFP, string(NodeLiteralSource), ls.ID, []fingerprint.Digest{srcNode.Fingerprint}, inputs)
			node := PlanNode{Kind: NodeLiteralSource, Name: ls.ID, Fingerprint: fp, Upstream: []fingerprint.Digest{srcNode.Fingerprint}}
			litNodes[ls.ID] = node
			nodes = append(nodes, node)
		}
	}

	importNodes := map[string]PlanNode{}
	if r.Meta.Imports != nil {
		for _, im := range r.Meta.Imports.Imports {
			target, ok := reg.Get(im.TargetReport)
			if !ok {
				return nil, apperr.New(apperr.ReportNotFound, "import %s target_report %q not found", im.ID, im.TargetReport)
			}
			passed := params.Resolved{Server: params.Values{}, Client: params.Values{}}
			for _, name := range im.PassParams {
				if v, ok := resolved.Server[name]; ok {
					passed.Server[name] = v
				}
			}
			targetPlan, err := Build(target, passed, reg, deploymentID)
			if err != nil {
				return nil, fmt.Errorf("building import %s (target %s): %w", im.ID, im.TargetReport, err)
			}
			inputs := []fingerprint.NodeInput{{Name: "id", Value: im.ID}}
			fp := fingerprint.Node(deploymentID, r.SourceFP, string(NodeImport), im.ID, []fingerprint.Digest{targetPlan.Base.Fingerprint}, inputs)
			node := PlanNode{Kind: NodeImport, Name: im.ID, Fingerprint: fp, Upstream: []fingerprint.Digest{targetPlan.Base.Fingerprint}}
			importNodes[im.ID] = node
			nodes = append(nodes, node)
		}
	}

	var upstream []fingerprint.Digest
	for _, n := range builtCTEs {
		upstream = append(upstream, n.Fingerprint)
	}
	for _, n := range bindingNodes {
		upstream = append(upstream, n.Fingerprint)
	}
	for _, n := range litNodes {
		upstream = append(upstream, n.Fingerprint)
	}
	for _, n := range importNodes {
		upstream = append(upstream, n.Fingerprint)
	}

	var inputs []fingerprint.NodeInput
	for name, v := range resolved.Server {
		inputs = append(inputs, fingerprint.NodeInput{Name: "param:" + name, Value: v.FingerprintValue(), Abs: v.Absent})
	}
	baseFP := fingerprint.Node(deploymentID, r.SourceFP, string(NodeBase), r.ID, upstream, inputs)
	base := PlanNode{Kind: NodeBase, Name: r.ID, Fingerprint: baseFP, Upstream: upstream}
	nodes = append(nodes, base)

	return &Plan{ReportID: r.ID, Nodes: nodes, Base: base}, nil
}

// Slice derives a Slice PlanNode from an already-built plan's base. v1 only
// ever builds the base eagerly (spec §4.5 step 6: "slices on demand"); no
// code path in this repository calls Slice.
func (p *Plan) Slice(deploymentID string, kind string, extra []fingerprint.NodeInput) PlanNode {
	fp := fingerprint.Node(deploymentID, p.Base.Fingerprint, string(NodeSlice), kind, []fingerprint.Digest{p.Base.Fingerprint}, extra)
	return PlanNode{Kind: NodeSlice, Name: kind, Fingerprint: fp, Upstream: []fingerprint.Digest{p.Base.Fingerprint}}
}

// cteSpan locates one MATERIALIZE/MATERIALIZE_CLOSED-marked CTE's body.
type cteSpan struct {
	Closed             bool
	BodyStart, BodyEnd int // byte offsets of the CTE body, i.e. the content between "(" and its matching ")"
}

// CTESpan is the exported view of cteSpan, so the executor can locate a
// materialized CTE's body text without duplicating the marker regex here.
type CTESpan struct {
	Name               string
	Closed             bool
	BodyStart, BodyEnd int
}

// MaterializeSpans returns the body location of every MATERIALIZE/
// MATERIALIZE_CLOSED CTE in sql, keyed by CTE name.
func MaterializeSpans(sql string) (map[string]CTESpan, error) {
	spans, err := materializedCTEs(sql)
	if err != nil {
		return nil, err
	}
	out := make(map[string]CTESpan, len(spans))
	for name, sp := range spans {
		out[name] = CTESpan{Name: name, Closed: sp.Closed, BodyStart: sp.BodyStart, BodyEnd: sp.BodyEnd}
	}
	return out, nil
}

// materializeMarkerRe recognizes the convention a report uses to mark a CTE
// as a materialization target: a line comment naming the directive
// immediately above the CTE's "name AS (" header. Plain CTEs (no marker)
// are ordinary subexpressions inlined into the Base node and never become
// their own PlanNode.
var materializeMarkerRe = regexp.MustCompile(`(?i)--\s*(MATERIALIZE_CLOSED|MATERIALIZE)\b[^\n]*\n\s*([A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)

func materializedCTEs(sql string) (map[string]cteSpan, error) {
	spans := map[string]cteSpan{}
	for _, m := range materializeMarkerRe.FindAllStringSubmatchIndex(sql, -1) {
		directive := sql[m[2]:m[3]]
		name := sql[m[4]:m[5]]
		bodyStart := m[1] // offset just past the matched "("
		bodyEnd, err := matchParen(sql, bodyStart-1)
		if err != nil {
			return nil, err
		}
		if _, dup := spans[name]; dup {
			return nil, apperr.New(apperr.ForbiddenSqlConstruct, "CTE %q is marked as a materialization more than once", name)
		}
		spans[name] = cteSpan{
			Closed:    strings.EqualFold(directive, "MATERIALIZE_CLOSED"),
			BodyStart: bodyStart,
			BodyEnd:   bodyEnd,
		}
	}
	return spans, nil
}

// matchParen returns the offset of the ")" matching the "(" at sql[open],
// tracking string-literal and comment context the same way internal/scanner
// does, so parens inside a quoted string or a comment are never counted.
func matchParen(sql string, open int) (int, error) {
	depth := 0
	n := len(sql)
	i := open
	for i < n {
		c := sql[i]
		switch {
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
			continue
		case c == '/' && i+1 < n && sql[i+1] == '*':
			i += 2
			for i+1 < n && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i += 2
			continue
		case c == '\'':
			i++
			for i < n {
				if sql[i] == '\'' {
					if i+1 < n && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			continue
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			if depth == 0 {
				return i, nil
			}
			i++
		default:
			i++
		}
	}
	return 0, apperr.New(apperr.ForbiddenSqlConstruct, "unterminated materialized CTE body")
}

// topoSortCTEs orders materialized CTEs by textual cross-reference, using
// Kahn's algorithm level by level over CTE names.
func topoSortCTEs(spans map[string]cteSpan, sql string) ([][]string, error) {
	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for name := range spans {
		inDegree[name] = 0
	}
	for name, sp := range spans {
		body := sql[sp.BodyStart:sp.BodyEnd]
		for other := range spans {
			if other == name {
				continue
			}
			if wordRe(other).MatchString(body) {
				dependents[other] = append(dependents[other], name)
				inDegree[name]++
			}
		}
	}

	var levels [][]string
	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		sort.Strings(queue)
		level := append([]string(nil), queue...)
		levels = append(levels, level)
		processed += len(level)

		var next []string
		for _, name := range level {
			for _, dep := range dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	if processed != len(spans) {
		return nil, apperr.New(apperr.ForbiddenSqlConstruct, "cyclic dependency among materialized CTEs")
	}
	return levels, nil
}

func wordRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
}

// buildMaterializeNode fingerprints one materialized CTE. A closed
// materialization's fingerprint includes only parameters textually local to
// its own body (or routed to it via applies_to); an open one includes every
// currently resolved server parameter, so it is rebuilt whenever any request
// parameter changes (spec §3 "Materialization", §9 open-question resolution).
func buildMaterializeNode(r *report.Report, deploymentID, name string, sp cteSpan, built map[string]PlanNode, declaredParams map[string]report.ParamSpec, resolved params.Resolved) PlanNode {
	var upstream []fingerprint.Digest
	body := r.SQL[sp.BodyStart:sp.BodyEnd]
	for other, node := range built {
		if wordRe(other).MatchString(body) {
			upstream = append(upstream, node.Fingerprint)
		}
	}

	var inputs []fingerprint.NodeInput
	if sp.Closed {
		local := map[string]bool{}
		for _, ph := range r.Placeholders {
			if ph.Kind == scanner.KindParam && ph.Start >= sp.BodyStart && ph.Start < sp.BodyEnd {
				local[ph.Name] = true
			}
		}
		for pname, pspec := range declaredParams {
			if pspec.AppliesTo != nil && pspec.AppliesTo.CTE == name {
				local[pname] = true
			}
		}
		for pname := range local {
			if v, ok := resolved.Server[pname]; ok {
				inputs = append(inputs, fingerprint.NodeInput{Name: "param:" + pname, Value: v.FingerprintValue(), Abs: v.Absent})
			}
		}
	} else {
		for pname, v := range resolved.Server {
			inputs = append(inputs, fingerprint.NodeInput{Name: "param:" + pname, Value: v.FingerprintValue(), Abs: v.Absent})
		}
	}

	fp := fingerprint.Node(deploymentID, r.SourceFP, string(NodeMaterialize), name, upstream, inputs)
	return PlanNode{Kind: NodeMaterialize, Name: name, Fingerprint: fp, Upstream: upstream}
}

// DefaultMaxHybridValueSet is the default cap on a client-applied hybrid
// predicate's value-set size (spec §4.5).
const DefaultMaxHybridValueSet = 256

var limitRe = regexp.MustCompile(`(?i)\bLIMIT\b`)
var operatorBeforeRe = regexp.MustCompile(`(?i)(=|<=|>=|<|>|\bNOT\s+IN\s*\(\s*$|\bIN\s*\(\s*$|\bBETWEEN\s*$)`)

// ApplyHybridEligibility enforces spec §4.5's structural conditions for a
// hybrid parameter to remain client-applied; any parameter failing a
// condition is moved from resolved.Client into resolved.Server in place.
func ApplyHybridEligibility(r *report.Report, declaredParams map[string]report.ParamSpec, resolved params.Resolved, maxValueSet int) (params.Resolved, error) {
	if maxValueSet <= 0 {
		maxValueSet = DefaultMaxHybridValueSet
	}
	spans, err := materializedCTEs(r.SQL)
	if err != nil {
		return resolved, err
	}
	hasLimit := limitRe.MatchString(r.SQL)

	boundByBinding := map[string]bool{}
	if r.Meta.Bindings != nil {
		for _, b := range r.Meta.Bindings.Bindings {
			boundByBinding[b.KeyParam] = true
		}
	}
	passedToImport := map[string]bool{}
	if r.Meta.Imports != nil {
		for _, im := range r.Meta.Imports.Imports {
			for _, name := range im.PassParams {
				passedToImport[name] = true
			}
		}
	}

	for name, v := range resolved.Client {
		spec, ok := declaredParams[name]
		if !ok {
			continue
		}
		if spec.Scope != report.ScopeHybrid {
			// view params live in the client bag unconditionally; there is no
			// server-side predicate to promote them to.
			continue
		}
		if !hybridClientEligible(r, spec, v, spans, boundByBinding, passedToImport, hasLimit, maxValueSet) {
			resolved.Server[name] = v
			delete(resolved.Client, name)
		}
	}
	return resolved, nil
}

func hybridClientEligible(r *report.Report, spec report.ParamSpec, v params.Value, spans map[string]cteSpan, boundByBinding, passedToImport map[string]bool, hasLimit bool, maxValueSet int) bool {
	leaf := spec.ParsedType
	if leaf.Kind == report.KindOptional {
		leaf = *leaf.Elem
	}
	if leaf.Kind == report.KindList && len(v.List) > maxValueSet {
		return false
	}
	if hasLimit {
		return false
	}
	if boundByBinding[spec.Name] || passedToImport[spec.Name] {
		return false
	}
	for _, sp := range spans {
		if wordRe(spec.Name).MatchString(r.SQL[sp.BodyStart:sp.BodyEnd]) {
			return false
		}
	}
	found := false
	for _, ph := range r.Placeholders {
		if ph.Kind != scanner.KindParam || ph.Name != spec.Name {
			continue
		}
		if ph.InScanPath {
			// scan-path placeholders never carry kind=param (scanner only
			// allows config/bind/path/ident there); kept as a defensive
			// structural check in case that invariant ever loosens.
			return false
		}
		found = true
		start := ph.Start - 24
		if start < 0 {
			start = 0
		}
		window := strings.TrimRight(r.SQL[start:ph.Start], " \t\n")
		if !operatorBeforeRe.MatchString(window) {
			return false
		}
	}
	return found
}
