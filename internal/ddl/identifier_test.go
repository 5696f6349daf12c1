package ddl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		// Valid InjectedIdentLiteral allowlist members / CTE-adjacent names.
		{name: "simple", input: "segment_label"},
		{name: "underscore_prefix", input: "_shard"},
		{name: "mixed_case", input: "RegionCte"},
		{name: "with_digits", input: "shard1"},
		{name: "all_upper", input: "NORTH"},
		{name: "max_length", input: strings.Repeat("a", 128)},

		// Invalid cases
		{name: "empty", input: "", wantErr: "name is required"},
		{name: "too_long", input: strings.Repeat("a", 129), wantErr: "at most 128 characters"},
		{name: "starts_with_digit", input: "1shard", wantErr: "must match"},
		{name: "contains_space", input: "north region", wantErr: "must match"},
		{name: "contains_hyphen", input: "north-region", wantErr: "must match"},
		{name: "contains_dot", input: "cte.segment", wantErr: "must match"},
		{name: "contains_semicolon", input: "foo;bar", wantErr: "must match"},
		{name: "contains_quote", input: `foo"bar`, wantErr: "must match"},
		{name: "sql_injection", input: "foo; DROP TABLE", wantErr: "must match"},
		{name: "contains_paren", input: "foo()", wantErr: "must match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple", input: "segment_label", want: `"segment_label"`},
		{name: "with_double_quote", input: `my"column`, want: `"my""column"`},
		{name: "multiple_quotes", input: `a"b"c`, want: `"a""b""c"`},
		{name: "empty", input: "", want: `""`},
		{name: "uppercase", input: "Shard", want: `"Shard"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QuoteIdentifier(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuoteLiteral(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple", input: "north", want: "'north'"},
		{name: "with_single_quote", input: "it's", want: "'it''s'"},
		{name: "multiple_quotes", input: "a'b'c", want: "'a''b''c'"},
		{name: "empty", input: "", want: "''"},
		{name: "with_backslash", input: `path\to\file`, want: `'path\to\file'`},
		{name: "artifact_path", input: "cache/materialize/ab12.parquet", want: "'cache/materialize/ab12.parquet'"},
		{name: "path_with_quote", input: "/tmp/it's here/db", want: "'/tmp/it''s here/db'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QuoteLiteral(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}
