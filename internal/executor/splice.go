package executor

import (
	"strings"

	"ducksearch/internal/apperr"
	"ducksearch/internal/scanner"
)

// Resolver maps one placeholder to the literal text that replaces it. The
// executor is the only caller allowed to build one of these, and only for
// the lifetime of a single node's build — a Resolver must never be retained
// past the call to splice.
type Resolver func(ph scanner.Placeholder) (string, error)

// splice rewrites body (sql[bodyStart:bodyEnd]) by replacing every
// placeholder whose Start falls within [bodyStart, bodyEnd) with the text
// resolve returns for it. Placeholders are applied in textual order and
// nothing outside a placeholder span is ever touched — this is the one
// place in the codebase allowed to rewrite report SQL, and it is restricted
// to literal substitution at recorded byte offsets (spec §4.7).
func splice(sql string, bodyStart, bodyEnd int, placeholders []scanner.Placeholder, resolve Resolver) (string, error) {
	var b strings.Builder
	cursor := bodyStart
	for _, ph := range placeholders {
		if ph.Start < bodyStart || ph.Start >= bodyEnd {
			continue
		}
		if ph.Start < cursor {
			return "", apperr.New(apperr.ForbiddenSqlConstruct, "overlapping placeholder spans in report SQL")
		}
		b.WriteString(sql[cursor:ph.Start])
		lit, err := resolve(ph)
		if err != nil {
			return "", err
		}
		b.WriteString(lit)
		cursor = ph.End
	}
	b.WriteString(sql[cursor:bodyEnd])
	return b.String(), nil
}
