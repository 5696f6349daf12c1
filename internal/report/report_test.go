package report

import (
	"testing"

	"ducksearch/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `/***PARAMS
params:
  - name: Region
    type: str
    scope: data
  - name: DayWindow
    type: int
    scope: data
***/
/***CACHE
ttl_seconds: 120
***/
SELECT region, avg(latency_ms) AS avg_latency
FROM parquet_scan('{{config DATA_ROOT}}/latency.parquet')
WHERE region = {{param Region}}
  AND day_window <= {{param DayWindow}}
`

func TestParseValidReport(t *testing.T) {
	r, err := Parse("deep_demos/speed/rolling_latency", "reports/deep_demos/speed/rolling_latency.sql", []byte(sampleReport))
	require.NoError(t, err)

	require.NotNil(t, r.Meta.Params)
	assert.Len(t, r.Meta.Params.Params, 2)
	require.NotNil(t, r.Meta.Cache)
	assert.Equal(t, 120, *r.Meta.Cache.TTLSeconds)

	var kinds []string
	for _, p := range r.Placeholders {
		kinds = append(kinds, string(p.Kind)+":"+p.Name)
	}
	assert.Contains(t, kinds, "config:DATA_ROOT")
	assert.Contains(t, kinds, "param:Region")
	assert.Contains(t, kinds, "param:DayWindow")
	assert.NotEmpty(t, r.SourceFP)
}

func TestParseRejectsDuplicateBlock(t *testing.T) {
	src := `/***PARAMS
params: []
***/
/***PARAMS
params: []
***/
SELECT 1
`
	_, err := Parse("x", "x.sql", []byte(src))
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidMetadataBlock, code)
}

func TestParseRejectsUnknownBlockName(t *testing.T) {
	src := "/***BOGUS\nfoo: 1\n***/\nSELECT 1\n"
	_, err := Parse("x", "x.sql", []byte(src))
	require.Error(t, err)
	code, _ := apperr.CodeOf(err)
	assert.Equal(t, apperr.InvalidMetadataBlock, code)
}

func TestParseRejectsUnknownFieldInBlock(t *testing.T) {
	src := "/***CACHE\nbogus_field: true\n***/\nSELECT 1\n"
	_, err := Parse("x", "x.sql", []byte(src))
	require.Error(t, err)
	code, _ := apperr.CodeOf(err)
	assert.Equal(t, apperr.InvalidMetadataBlock, code)
}

func TestParseRejectsForbiddenKeyword(t *testing.T) {
	_, err := Parse("x", "x.sql", []byte("CREATE TABLE t (x int)"))
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ForbiddenSqlConstruct, code)
}

func TestParseAllowsForbiddenWordInsideStringLiteral(t *testing.T) {
	r, err := Parse("x", "x.sql", []byte(`SELECT 'please update your records' AS note`))
	require.NoError(t, err)
	assert.Contains(t, r.SQL, "update your records")
}

func TestParseRejectsMultipleStatements(t *testing.T) {
	_, err := Parse("x", "x.sql", []byte("SELECT 1; SELECT 2;"))
	require.Error(t, err)
	code, _ := apperr.CodeOf(err)
	assert.Equal(t, apperr.ForbiddenSqlConstruct, code)
}

func TestParseAllowsSingleTrailingSemicolon(t *testing.T) {
	r, err := Parse("x", "x.sql", []byte("SELECT 1;"))
	require.NoError(t, err)
	assert.NotEmpty(t, r.SQL)
}

func TestParseRejectsNonWhitespaceBetweenBlocks(t *testing.T) {
	src := "/***PARAMS\nparams: []\n***/ SELECT 1 /***CACHE\nttl_seconds: 1\n***/\nSELECT 2\n"
	_, err := Parse("x", "x.sql", []byte(src))
	require.Error(t, err)
	code, _ := apperr.CodeOf(err)
	assert.Equal(t, apperr.InvalidMetadataBlock, code)
}

func TestParseParamTypeLiteral(t *testing.T) {
	src := `/***PARAMS
params:
  - name: Segment
    type: "Literal[alpha,beta,gamma]"
    scope: data
***/
SELECT 1
`
	r, err := Parse("x", "x.sql", []byte(src))
	require.NoError(t, err)
	pt := r.Meta.Params.Params[0].ParsedType
	assert.Equal(t, KindLiteral, pt.Kind)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, pt.Literals)
}

func TestParseParamTypeOptionalList(t *testing.T) {
	src := `/***PARAMS
params:
  - name: Tags
    type: "Optional[List[str]]"
    scope: data
***/
SELECT 1
`
	r, err := Parse("x", "x.sql", []byte(src))
	require.NoError(t, err)
	pt := r.Meta.Params.Params[0].ParsedType
	assert.Equal(t, KindOptional, pt.Kind)
	require.NotNil(t, pt.Elem)
	assert.Equal(t, KindList, pt.Elem.Kind)
}
