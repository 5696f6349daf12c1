package lint

import (
	"testing"

	"ducksearch/internal/apperr"
	"ducksearch/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	reports map[string]*report.Report
}

func (f *fakeRegistry) Get(id string) (*report.Report, bool) {
	r, ok := f.reports[id]
	return r, ok
}

func (f *fakeRegistry) IDs() []string {
	ids := make([]string, 0, len(f.reports))
	for id := range f.reports {
		ids = append(ids, id)
	}
	return ids
}

func mustParse(t *testing.T, id, src string) *report.Report {
	t.Helper()
	r, err := report.Parse(id, id+".sql", []byte(src))
	require.NoError(t, err)
	return r
}

func TestLintUndeclaredParam(t *testing.T) {
	r := mustParse(t, "r1", `SELECT {{param Region}}`)
	reg := &fakeRegistry{reports: map[string]*report.Report{"r1": r}}
	findings := Report(reg, r)
	require.Len(t, findings, 1)
	assert.Equal(t, apperr.UndeclaredName, findings[0].Code)
}

func TestLintViewScopeParamReferencedInSQL(t *testing.T) {
	src := `/***PARAMS
params:
  - name: Theme
    type: str
    scope: view
***/
SELECT {{param Theme}}
`
	r := mustParse(t, "r1", src)
	reg := &fakeRegistry{reports: map[string]*report.Report{"r1": r}}
	findings := Report(reg, r)
	require.Len(t, findings, 2) // BadScopeRouting twice: once from the placeholder scope check, once from the scope=view check
	var codes []apperr.Code
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	assert.Contains(t, codes, apperr.BadScopeRouting)
}

func TestLintImportMissingTarget(t *testing.T) {
	src := `/***IMPORTS
imports:
  - id: stories
    target_report: deep_demos/imports/shared_base
    pass_params: []
***/
SELECT {{import stories}}
`
	r := mustParse(t, "r1", src)
	reg := &fakeRegistry{reports: map[string]*report.Report{"r1": r}}
	findings := Report(reg, r)
	require.NotEmpty(t, findings)
	var found bool
	for _, f := range findings {
		if f.Code == apperr.ReportNotFound {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLintImportCycleDetected(t *testing.T) {
	a := mustParse(t, "a", `/***IMPORTS
imports:
  - id: b_ref
    target_report: b
    pass_params: []
***/
SELECT {{import b_ref}}
`)
	b := mustParse(t, "b", `/***IMPORTS
imports:
  - id: a_ref
    target_report: a
    pass_params: []
***/
SELECT {{import a_ref}}
`)
	reg := &fakeRegistry{reports: map[string]*report.Report{"a": a, "b": b}}
	findings := Report(reg, a)
	var found bool
	for _, f := range findings {
		if f.Code == apperr.ImportCycle {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLintBindingSourceCTEMissing(t *testing.T) {
	src := `/***BINDINGS
bindings:
  - id: segment_label
    source_cte: segments
    key_param: Segment
    key_column: code
    value_column: label
    kind: demo
***/
SELECT {{bind segment_label}}
`
	r := mustParse(t, "r1", src)
	reg := &fakeRegistry{reports: map[string]*report.Report{"r1": r}}
	findings := Report(reg, r)
	var found bool
	for _, f := range findings {
		if f.Code == apperr.UndeclaredName {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLintCleanReportHasNoFindings(t *testing.T) {
	src := `/***PARAMS
params:
  - name: Region
    type: str
    scope: data
***/
SELECT region FROM parquet_scan('{{config ROOT}}/x.parquet') WHERE region = {{param Region}}
`
	r := mustParse(t, "r1", src)
	reg := &fakeRegistry{reports: map[string]*report.Report{"r1": r}}
	assert.Empty(t, Report(reg, r))
}

func TestAllSortsByID(t *testing.T) {
	r1 := mustParse(t, "z", `SELECT {{param X}}`)
	r2 := mustParse(t, "a", `SELECT {{param Y}}`)
	reg := &fakeRegistry{reports: map[string]*report.Report{"z": r1, "a": r2}}
	findings := All(reg)
	require.Len(t, findings, 2)
	assert.Equal(t, "a", findings[0].ReportID)
	assert.Equal(t, "z", findings[1].ReportID)
}
