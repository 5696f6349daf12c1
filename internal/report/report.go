package report

import (
	"strings"

	"ducksearch/internal/apperr"
	"ducksearch/internal/fingerprint"
	"ducksearch/internal/scanner"
)

// Report is the immutable, typed intermediate representation of one report
// file. Once constructed it is never mutated; a file change produces a new
// Report, never an in-place edit (internal/registry relies on this).
type Report struct {
	ID       string // repository-relative path, without the .sql suffix
	Path     string // absolute or root-relative filesystem path
	SourceFP fingerprint.Digest

	SQL          string
	Placeholders []scanner.Placeholder

	Meta Metadata
}

// Parse builds a Report from raw file bytes. It runs C2 (metadata block
// extraction + schema validation) and C3 (placeholder tokenizing) and
// enforces the structural invariants that do not require registry context
// (single statement, forbidden keywords). Invariants that need the full
// registry (import resolution, cross-entity references) are checked by
// internal/lint, not here.
func Parse(id, path string, raw []byte) (*Report, error) {
	blocks, err := extractBlocks(raw)
	if err != nil {
		return nil, err
	}
	sqlBody, err := assembleSQLBody(raw, blocks)
	if err != nil {
		return nil, err
	}
	meta, err := buildMetadata(blocks)
	if err != nil {
		return nil, err
	}

	sqlBody = strings.TrimSpace(sqlBody)

	scanRes, err := scanner.Scan(sqlBody)
	if err != nil {
		return nil, err
	}

	if len(scanRes.Semicolons) > 1 {
		return nil, apperr.New(apperr.ForbiddenSqlConstruct, "report %s contains more than one statement", id)
	}
	if len(scanRes.Semicolons) == 1 {
		trailing := strings.TrimSpace(sqlBody[scanRes.Semicolons[0]+1:])
		if trailing != "" {
			return nil, apperr.New(apperr.ForbiddenSqlConstruct, "report %s contains content after the terminating semicolon", id)
		}
	}

	kwRe := forbiddenKeywordRe()
	for _, span := range scanRes.NormalSpans {
		segment := sqlBody[span.Start:span.End]
		if loc := kwRe.FindStringIndex(segment); loc != nil {
			word := segment[loc[0]:loc[1]]
			return nil, apperr.New(apperr.ForbiddenSqlConstruct, "forbidden keyword %q in report %s", strings.ToUpper(word), id)
		}
	}

	return &Report{
		ID:           id,
		Path:         path,
		SourceFP:     fingerprint.SourceOf(raw),
		SQL:          sqlBody,
		Placeholders: scanRes.Placeholders,
		Meta:         meta,
	}, nil
}
