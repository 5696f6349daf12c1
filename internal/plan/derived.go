package plan

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"ducksearch/internal/apperr"
	"ducksearch/internal/ddl"
	"ducksearch/internal/params"
	"ducksearch/internal/report"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	derivedParamMaxSteps = uint64(20_000)
	derivedParamTimeout  = 500 * time.Millisecond
)

// EvalDerivedParams evaluates a report's DERIVED_PARAMS block (SPEC_FULL.md
// §A.3) after C5 resolution and before C6 planning. Each entry's expr is a
// sandboxed Starlark expression over its depends_on params, bound as
// locals; the result is coerced to the declared type and returned as a
// data-scope server parameter, ready to be merged into the resolved bag
// before Build is called.
func EvalDerivedParams(meta report.Metadata, resolved params.Resolved) (params.Values, error) {
	out := params.Values{}
	if meta.DerivedParams == nil || len(meta.DerivedParams.Derived) == 0 {
		return out, nil
	}

	order, err := topoSortDerived(meta.DerivedParams.Derived)
	if err != nil {
		return nil, err
	}

	byName := map[string]report.DerivedParam{}
	for _, dp := range meta.DerivedParams.Derived {
		byName[dp.Name] = dp
	}

	for _, name := range order {
		dp := byName[name]
		pt, err := report.ParseParamType(dp.Type)
		if err != nil {
			return nil, err
		}

		predeclared := starlark.StringDict{}
		for _, dep := range dp.DependsOn {
			v, ok := resolved.Server[dep]
			if !ok {
				v, ok = out[dep]
			}
			if !ok {
				return nil, apperr.New(apperr.UndeclaredName, "derived param %s depends_on unresolved param %s", dp.Name, dep)
			}
			predeclared[dep] = starlarkValueOf(v)
		}

		thread := &starlark.Thread{Name: "derived-param:" + dp.Name}
		thread.SetMaxExecutionSteps(derivedParamMaxSteps)
		val, err := evalDerivedExpr(thread, dp.Expr, predeclared)
		if err != nil {
			return nil, apperr.New(apperr.BadParamType, "derived param %s: %v", dp.Name, err)
		}

		resolvedVal, err := coerceStarlarkResult(dp.Name, pt, val)
		if err != nil {
			return nil, err
		}
		out[dp.Name] = resolvedVal
	}

	return out, nil
}

func evalDerivedExpr(thread *starlark.Thread, expr string, predeclared starlark.StringDict) (starlark.Value, error) {
	type outcome struct {
		val starlark.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "<derived-param>", expr, predeclared)
		done <- outcome{v, err}
	}()

	timer := time.NewTimer(derivedParamTimeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		thread.Cancel("derived param evaluation timed out")
		o := <-done
		if o.err != nil {
			return nil, fmt.Errorf("timed out after %s: %w", derivedParamTimeout, o.err)
		}
		return nil, fmt.Errorf("timed out after %s", derivedParamTimeout)
	}
}

// starlarkValueOf exposes an already-resolved parameter to a derived
// expression as the nearest Starlark equivalent of its declared type.
func starlarkValueOf(v params.Value) starlark.Value {
	if v.Absent {
		return starlark.None
	}
	if v.List != nil {
		elems := make([]starlark.Value, len(v.List))
		for i, s := range v.List {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems)
	}

	leaf := v.Type
	if leaf.Kind == report.KindOptional {
		leaf = *leaf.Elem
	}
	switch leaf.Kind {
	case report.KindInt:
		if n, err := strconv.ParseInt(v.Scalar, 10, 64); err == nil {
			return starlark.MakeInt64(n)
		}
	case report.KindFloat:
		if f, err := strconv.ParseFloat(v.Scalar, 64); err == nil {
			return starlark.Float(f)
		}
	case report.KindBool:
		return starlark.Bool(v.Scalar == "true")
	}
	return starlark.String(v.Scalar)
}

// coerceStarlarkResult validates a derived expression's result against its
// declared type and produces the same Value shape C5 produces for an
// ordinary parameter, so downstream code (fingerprinting, SQL splicing)
// cannot tell a derived param from a resolved one.
func coerceStarlarkResult(name string, pt report.ParamType, val starlark.Value) (params.Value, error) {
	out := params.Value{Name: name, Scope: report.ScopeData, Type: pt}
	leaf := pt
	if leaf.Kind == report.KindOptional {
		leaf = *leaf.Elem
	}
	switch leaf.Kind {
	case report.KindInt:
		i, ok := val.(starlark.Int)
		if !ok {
			return params.Value{}, apperr.New(apperr.BadParamType, "derived param %s expects int, got %s", name, val.Type())
		}
		n := i.BigInt().Int64()
		out.Scalar = strconv.FormatInt(n, 10)
		out.Literal = out.Scalar
		return out, nil

	case report.KindFloat:
		f, ok := starlark.AsFloat(val)
		if !ok {
			return params.Value{}, apperr.New(apperr.BadParamType, "derived param %s expects float, got %s", name, val.Type())
		}
		out.Scalar = strconv.FormatFloat(f, 'g', -1, 64)
		out.Literal = out.Scalar
		return out, nil

	case report.KindBool:
		b, ok := val.(starlark.Bool)
		if !ok {
			return params.Value{}, apperr.New(apperr.BadParamType, "derived param %s expects bool, got %s", name, val.Type())
		}
		out.Scalar = strconv.FormatBool(bool(b))
		if b {
			out.Literal = "TRUE"
		} else {
			out.Literal = "FALSE"
		}
		return out, nil

	case report.KindStr, report.KindInjectedStr:
		s, ok := starlark.AsString(val)
		if !ok {
			return params.Value{}, apperr.New(apperr.BadParamType, "derived param %s expects str, got %s", name, val.Type())
		}
		out.Scalar = s
		out.Literal = ddl.QuoteLiteral(s)
		return out, nil

	default:
		return params.Value{}, apperr.New(apperr.BadParamType, "derived param %s declares unsupported type %q", name, pt.Kind)
	}
}

// topoSortDerived orders DERIVED_PARAMS entries by depends_on, using the
// same Kahn's-algorithm approach as topoSortCTEs. A depends_on name
// that is not itself a derived param is assumed to be an already-resolved
// server parameter and contributes no edge.
func topoSortDerived(defs []report.DerivedParam) ([]string, error) {
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, d := range defs {
		inDegree[d.Name] = 0
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if !names[dep] {
				continue
			}
			if dep == d.Name {
				return nil, apperr.New(apperr.ImportCycle, "derived param %s depends on itself", d.Name)
			}
			dependents[dep] = append(dependents[dep], d.Name)
			inDegree[d.Name]++
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	processed := 0
	for len(queue) > 0 {
		sort.Strings(queue)
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		processed++

		for _, dep := range dependents[cur] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(defs) {
		return nil, apperr.New(apperr.ImportCycle, "cyclic dependency among DERIVED_PARAMS entries")
	}
	return order, nil
}
