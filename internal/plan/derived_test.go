package plan

import (
	"testing"

	"ducksearch/internal/apperr"
	"ducksearch/internal/params"
	"ducksearch/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func derivedMeta(defs ...report.DerivedParam) report.Metadata {
	return report.Metadata{DerivedParams: &report.DerivedParamsBlock{Derived: defs}}
}

func intParam(name, n string) params.Value {
	return params.Value{
		Name: name, Scope: report.ScopeData,
		Type:   report.ParamType{Kind: report.KindInt},
		Scalar: n, Literal: n,
	}
}

func TestEvalDerivedParamsComputesFromDeps(t *testing.T) {
	meta := derivedMeta(report.DerivedParam{
		Name: "WindowDays", Type: "int", Expr: "DayWindow * 7", DependsOn: []string{"DayWindow"},
	})
	resolved := resolvedWith(intParam("DayWindow", "2"))

	out, err := EvalDerivedParams(meta, resolved)
	require.NoError(t, err)
	require.Contains(t, out, "WindowDays")
	assert.Equal(t, "14", out["WindowDays"].Scalar)
	assert.Equal(t, "14", out["WindowDays"].Literal)
	assert.Equal(t, report.ScopeData, out["WindowDays"].Scope)
}

func TestEvalDerivedParamsChainsInDependencyOrder(t *testing.T) {
	// quarter depends on half, which is declared after it: Kahn ordering must sort it out.
	meta := derivedMeta(
		report.DerivedParam{Name: "quarter", Type: "int", Expr: "half // 2", DependsOn: []string{"half"}},
		report.DerivedParam{Name: "half", Type: "int", Expr: "whole // 2", DependsOn: []string{"whole"}},
	)
	resolved := resolvedWith(intParam("whole", "100"))

	out, err := EvalDerivedParams(meta, resolved)
	require.NoError(t, err)
	assert.Equal(t, "50", out["half"].Scalar)
	assert.Equal(t, "25", out["quarter"].Scalar)
}

func TestEvalDerivedParamsCycleRejected(t *testing.T) {
	meta := derivedMeta(
		report.DerivedParam{Name: "a", Type: "int", Expr: "b + 1", DependsOn: []string{"b"}},
		report.DerivedParam{Name: "b", Type: "int", Expr: "a + 1", DependsOn: []string{"a"}},
	)

	_, err := EvalDerivedParams(meta, resolvedWith())
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ImportCycle, code)
}

func TestEvalDerivedParamsMissingDependency(t *testing.T) {
	meta := derivedMeta(report.DerivedParam{
		Name: "x", Type: "int", Expr: "y + 1", DependsOn: []string{"y"},
	})

	_, err := EvalDerivedParams(meta, resolvedWith())
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.UndeclaredName, code)
}

func TestEvalDerivedParamsTypeMismatch(t *testing.T) {
	meta := derivedMeta(report.DerivedParam{
		Name: "x", Type: "int", Expr: `"not a number"`, DependsOn: nil,
	})

	_, err := EvalDerivedParams(meta, resolvedWith())
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.BadParamType, code)
}

func TestEvalDerivedParamsStringResultIsQuotedForSplicing(t *testing.T) {
	meta := derivedMeta(report.DerivedParam{
		Name: "Label", Type: "str", Expr: `Region + "'s lane"`, DependsOn: []string{"Region"},
	})
	resolved := resolvedWith(strVal("Region", "north"))

	out, err := EvalDerivedParams(meta, resolved)
	require.NoError(t, err)
	assert.Equal(t, "north's lane", out["Label"].Scalar)
	assert.Equal(t, "'north''s lane'", out["Label"].Literal)
}

func TestEvalDerivedParamsEmptyBlockIsNoop(t *testing.T) {
	out, err := EvalDerivedParams(report.Metadata{}, resolvedWith(intParam("n", "1")))
	require.NoError(t, err)
	assert.Empty(t, out)
}
