// Package ddl holds the small set of SQL-quoting primitives the rest of
// ducksearch leans on whenever a value must be spliced into a report's SQL
// body without becoming an injection vector: {{param}} literals (C5), the
// allowlisted identifiers behind InjectedIdentLiteral, and the quoted
// column/CTE names the executor (C8) builds binding/literal-source lookup
// queries from. None of this validates DDL — reports are forbidden from
// containing CREATE/ATTACH/... (spec §4.1) — it only protects the literal
// and identifier positions a report's own placeholders resolve to.
package ddl

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierRe allows alphanumeric + underscores, starting with a letter or
// underscore — the same grammar a placeholder NAME must match (spec §4.2),
// reused here for InjectedIdentLiteral allowlist members.
var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxIdentifierLen bounds an InjectedIdentLiteral value / CTE or column name
// fed into ValidateIdentifier; 128 matches DuckDB's own practical identifier
// limit and keeps a malformed report from building an unbounded query string.
const maxIdentifierLen = 128

// ValidateIdentifier checks that name is safe to splice verbatim as a SQL
// identifier — used by C5 to bound InjectedIdentLiteral values against a
// report's declared allowlist before they are emitted unquoted (spec §4.4):
//   - Non-empty
//   - At most 128 characters
//   - Matches [a-zA-Z_][a-zA-Z0-9_]*
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("name must be at most %d characters", maxIdentifierLen)
	}
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("name must match [a-zA-Z_][a-zA-Z0-9_]*")
	}
	return nil
}

// QuoteIdentifier wraps a SQL identifier in double quotes, escaping any
// embedded double-quote characters by doubling them (standard SQL). The
// executor uses this for the key_column/value_column names a BINDING or
// LITERAL_SOURCE block names, since those are free-form strings read from a
// report's metadata, not already-validated placeholder tokens.
//
// Always quotes unconditionally — the caller should validate first if needed.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral wraps a string value in single quotes, escaping any embedded
// single-quote characters by doubling them (standard SQL). This is how every
// {{param X}} position of type str/InjectedStr/date/datetime/Literal[...] is
// spliced into a report's SQL body (spec §4.4), and how the executor quotes
// a resolved {{bind X}} or {{config X}} value and a Parquet artifact path
// for {{mat X}}/{{import X}}/{{path X}}.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
