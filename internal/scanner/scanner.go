// Package scanner implements the single-pass placeholder tokenizer (C3):
// it walks a report's SQL body once, tracking string and comment context,
// and records every {{kind name}} occurrence as a byte-offset span. It
// never builds or mutates an AST — callers splice text at these spans.
package scanner

import (
	"regexp"
	"strings"

	"ducksearch/internal/apperr"
)

// Kind is one of the placeholder kinds recognized in report SQL.
type Kind string

const (
	KindParam  Kind = "param"
	KindIdent  Kind = "ident"
	KindPath   Kind = "path"
	KindBind   Kind = "bind"
	KindMat    Kind = "mat"
	KindImport Kind = "import"
	KindConfig Kind = "config"
	KindSecret Kind = "secret"
)

var validKinds = map[string]Kind{
	"param": KindParam, "ident": KindIdent, "path": KindPath, "bind": KindBind,
	"mat": KindMat, "import": KindImport, "config": KindConfig, "secret": KindSecret,
}

// scanPathAllowedKinds is the closed set of placeholder kinds permitted
// inside a parquet_scan(...) path literal.
var scanPathAllowedKinds = map[Kind]bool{
	KindConfig: true, KindBind: true, KindPath: true, KindIdent: true,
}

// Placeholder is one recognized {{kind name}} occurrence.
type Placeholder struct {
	Start, End int // byte offsets into the SQL text; End is exclusive, past "}}"
	Kind       Kind
	Name       string
	InScanPath bool // true if this occurrence is inside a parquet_scan(...) literal
}

// Span is a byte range [Start, End).
type Span struct {
	Start, End int
}

// Result is the full output of one scan pass.
type Result struct {
	Placeholders []Placeholder
	// NormalSpans are the byte ranges outside of any string literal or
	// comment; callers scan these for forbidden keywords.
	NormalSpans []Span
	// Semicolons are offsets of ';' characters found in normal context,
	// used to enforce the single-statement rule.
	Semicolons []int
}

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Scan tokenizes sql in a single pass.
func Scan(sql string) (Result, error) {
	scanPathSpans := findScanPathArgs(sql)
	inScanPath := func(offset int) (Span, bool) {
		for _, sp := range scanPathSpans {
			if offset >= sp.Start && offset < sp.End {
				return sp, true
			}
		}
		return Span{}, false
	}

	var res Result
	n := len(sql)
	i := 0
	normalStart := 0
	flushNormal := func(end int) {
		if end > normalStart {
			res.NormalSpans = append(res.NormalSpans, Span{normalStart, end})
		}
	}

	for i < n {
		c := sql[i]
		switch {
		case c == '-' && i+1 < n && sql[i+1] == '-':
			flushNormal(i)
			j := i + 2
			for j < n && sql[j] != '\n' {
				j++
			}
			i, normalStart = j, j

		case c == '/' && i+1 < n && sql[i+1] == '*':
			flushNormal(i)
			j := i + 2
			for j+1 < n && !(sql[j] == '*' && sql[j+1] == '/') {
				j++
			}
			if j+1 >= n {
				return res, apperr.New(apperr.InvalidMetadataBlock, "unterminated block comment starting at byte %d", i)
			}
			j += 2
			i, normalStart = j, j

		case c == '\'':
			flushNormal(i)
			strStart := i
			j := i + 1
			for j < n {
				if sql[j] == '\'' {
					if j+1 < n && sql[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			strEnd := j
			if sp, ok := inScanPath(strStart); ok {
				if err := scanPathPlaceholders(sql, strStart, strEnd, sp, &res); err != nil {
					return res, err
				}
			}
			i, normalStart = j, j

		case c == '{' && i+1 < n && sql[i+1] == '{':
			flushNormal(i)
			ph, end, err := parsePlaceholder(sql, i)
			if err != nil {
				return res, err
			}
			res.Placeholders = append(res.Placeholders, ph)
			i, normalStart = end, end

		case c == ';':
			res.Semicolons = append(res.Semicolons, i)
			i++

		default:
			i++
		}
	}
	flushNormal(n)
	return res, nil
}

// parsePlaceholder parses a {{kind name}} token starting at sql[i:i+2]=="{{".
func parsePlaceholder(sql string, i int) (Placeholder, int, error) {
	closeIdx := strings.Index(sql[i+2:], "}}")
	if closeIdx < 0 {
		return Placeholder{}, 0, apperr.New(apperr.InvalidPlaceholder, "unterminated placeholder starting at byte %d", i)
	}
	end := i + 2 + closeIdx + 2
	content := strings.TrimSpace(sql[i+2 : i+2+closeIdx])
	fields := strings.Fields(content)
	if len(fields) != 2 {
		return Placeholder{}, 0, apperr.New(apperr.InvalidPlaceholder, "malformed placeholder %q at byte %d", sql[i:end], i)
	}
	kind, ok := validKinds[fields[0]]
	if !ok {
		return Placeholder{}, 0, apperr.New(apperr.InvalidPlaceholder, "unknown placeholder kind %q at byte %d", fields[0], i)
	}
	if !nameRe.MatchString(fields[1]) {
		return Placeholder{}, 0, apperr.New(apperr.InvalidPlaceholder, "invalid placeholder name %q at byte %d", fields[1], i)
	}
	return Placeholder{Start: i, End: end, Kind: kind, Name: fields[1]}, end, nil
}

// findScanPathArgs locates the argument span (excluding the parens) of every
// case-insensitive parquet_scan(...) call, respecting nested parens and
// string literals.
func findScanPathArgs(sql string) []Span {
	lower := strings.ToLower(sql)
	re := regexp.MustCompile(`\bparquet_scan\s*\(`)
	var spans []Span
	for _, loc := range re.FindAllStringIndex(lower, -1) {
		openParen := loc[1] - 1
		argStart := openParen + 1
		depth := 1
		i := argStart
		inStr := false
		for i < len(sql) && depth > 0 {
			c := sql[i]
			if inStr {
				if c == '\'' {
					if i+1 < len(sql) && sql[i+1] == '\'' {
						i += 2
						continue
					}
					inStr = false
				}
				i++
				continue
			}
			switch c {
			case '\'':
				inStr = true
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					spans = append(spans, Span{Start: argStart, End: i})
				}
			}
			i++
		}
	}
	return spans
}

// scanPathPlaceholders validates and records placeholders inside a string
// literal [strStart,strEnd) that falls within a parquet_scan(...) argument
// span sp. It enforces the scan-path rule: the literal must be the entire
// first argument (no concatenation via || or any other expression), and any
// placeholders inside it must be of an allowed kind.
func scanPathPlaceholders(sql string, strStart, strEnd int, sp Span, res *Result) error {
	argText := sql[sp.Start:sp.End]
	commaIdx := topLevelComma(argText)
	firstArg := argText
	if commaIdx >= 0 {
		firstArg = argText[:commaIdx]
	}
	trimmedStart := sp.Start + (len(firstArg) - len(strings.TrimLeft(firstArg, " \t\n\r")))
	trimmedFirstArg := strings.TrimSpace(firstArg)
	trimmedEnd := trimmedStart + len(trimmedFirstArg)

	if strStart != trimmedStart || strEnd != trimmedEnd {
		return apperr.New(apperr.IllegalScanPath,
			"parquet_scan argument at byte %d must be a single string literal with no concatenation", sp.Start)
	}
	if strings.Contains(trimmedFirstArg, "||") {
		return apperr.New(apperr.IllegalScanPath,
			"parquet_scan argument at byte %d must not use the || concatenation operator", sp.Start)
	}

	interior := sql[strStart+1 : strEnd-1]
	interiorOffset := strStart + 1
	idx := 0
	for {
		rel := strings.Index(interior[idx:], "{{")
		if rel < 0 {
			break
		}
		absStart := interiorOffset + idx + rel
		ph, end, err := parsePlaceholder(sql, absStart)
		if err != nil {
			return err
		}
		if !scanPathAllowedKinds[ph.Kind] {
			return apperr.New(apperr.IllegalScanPath,
				"placeholder kind %q is not allowed inside a parquet_scan path (byte %d)", ph.Kind, absStart)
		}
		ph.InScanPath = true
		res.Placeholders = append(res.Placeholders, ph)
		idx = end - interiorOffset
	}
	return nil
}

// topLevelComma finds the first comma outside any string literal, or -1.
func topLevelComma(s string) int {
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inStr = false
			}
			continue
		}
		switch c {
		case '\'':
			inStr = true
		case ',':
			return i
		}
	}
	return -1
}
