package report

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"ducksearch/internal/apperr"

	yaml "go.yaml.in/yaml/v4"
)

// rawBlock is one extracted /***NAME ... ***/ island before YAML decoding.
type rawBlock struct {
	Name        string
	YAML        string
	StartOffset int
	EndOffset   int
	StartLine   int
}

const (
	blockHeaderPrefix = "/***"
	blockTerminator   = "***/"
)

// lineAt returns the 1-based line number of offset within src.
func lineAt(src []byte, offset int) int {
	return 1 + bytes.Count(src[:offset], []byte("\n"))
}

// extractBlocks scans src for /***NAME ... ***/ islands that begin at the
// start of a line (optionally after leading horizontal whitespace). It does
// not attempt to distinguish SQL string/comment context at this stage — C3
// is responsible for the SQL body once blocks are removed, and a block
// marker accidentally embedded inside a SQL string would not begin at a
// fresh line in any report we consider well-formed; such pathological input
// surfaces as a mismatched-terminator error below rather than silently
// corrupting the SQL body.
func extractBlocks(src []byte) ([]rawBlock, error) {
	var blocks []rawBlock
	lines := splitLinesKeepOffsets(src)

	i := 0
	for i < len(lines) {
		trimmed := strings.TrimLeft(lines[i].text, " \t")
		if !strings.HasPrefix(trimmed, blockHeaderPrefix) {
			i++
			continue
		}
		headerLineNo := lineAt(src, lines[i].start)
		rest := strings.TrimPrefix(trimmed, blockHeaderPrefix)
		rest = strings.TrimRight(rest, "\r\n")
		name := strings.TrimSpace(rest)
		if name == "" {
			return nil, apperr.New(apperr.InvalidMetadataBlock, "empty block name at line %d", headerLineNo)
		}
		if !blockNames[name] {
			return nil, apperr.New(apperr.InvalidMetadataBlock, "unknown metadata block %q at line %d", name, headerLineNo)
		}

		yamlStartOffset := lines[i].start + len(lines[i].text)
		if i+1 < len(lines) {
			yamlStartOffset = lines[i+1].start
		}

		// Find the terminator line.
		termIdx := -1
		for j := i + 1; j < len(lines); j++ {
			t := strings.TrimLeft(lines[j].text, " \t")
			if strings.HasPrefix(t, blockTerminator) {
				afterTerm := strings.TrimRight(strings.TrimPrefix(t, blockTerminator), "\r\n")
				if strings.TrimSpace(afterTerm) != "" {
					return nil, apperr.New(apperr.InvalidMetadataBlock,
						"trailing content after %s terminator on line %d", name, lineAt(src, lines[j].start))
				}
				termIdx = j
				break
			}
		}
		if termIdx == -1 {
			return nil, apperr.New(apperr.InvalidMetadataBlock, "unterminated %s block starting at line %d", name, headerLineNo)
		}

		yamlEndOffset := lines[termIdx].start
		yamlText := string(src[yamlStartOffset:yamlEndOffset])

		blockEndOffset := lines[termIdx].start + len(lines[termIdx].text)

		blocks = append(blocks, rawBlock{
			Name:        name,
			YAML:        yamlText,
			StartOffset: lines[i].start,
			EndOffset:   blockEndOffset,
			StartLine:   headerLineNo,
		})
		i = termIdx + 1
	}
	return blocks, nil
}

type lineSpan struct {
	start int
	text  string // includes trailing \n if present
}

func splitLinesKeepOffsets(src []byte) []lineSpan {
	var out []lineSpan
	start := 0
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			out = append(out, lineSpan{start: start, text: string(src[start : i+1])})
			start = i + 1
		}
	}
	if start < len(src) {
		out = append(out, lineSpan{start: start, text: string(src[start:])})
	}
	return out
}

// assembleSQLBody validates that metadata blocks are grouped together
// (any gap between two consecutive blocks must be whitespace-only) and
// returns the concatenated SQL text: whatever precedes the first block plus
// whatever follows the last one.
func assembleSQLBody(src []byte, blocks []rawBlock) (string, error) {
	if len(blocks) == 0 {
		return string(src), nil
	}
	for k := 0; k < len(blocks)-1; k++ {
		gap := src[blocks[k].EndOffset:blocks[k+1].StartOffset]
		if len(strings.TrimSpace(string(gap))) != 0 {
			return "", apperr.New(apperr.InvalidMetadataBlock,
				"non-whitespace content between %s (line %d) and %s (line %d); metadata blocks must be grouped together",
				blocks[k].Name, blocks[k].StartLine, blocks[k+1].Name, blocks[k+1].StartLine)
		}
	}
	before := src[:blocks[0].StartOffset]
	after := src[blocks[len(blocks)-1].EndOffset:]
	return string(before) + string(after), nil
}

func decodeStrict(dst any, raw string) error {
	dec := yaml.NewDecoder(strings.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func buildMetadata(blocks []rawBlock) (Metadata, error) {
	var meta Metadata
	seen := map[string]bool{}
	for _, b := range blocks {
		if seen[b.Name] {
			return meta, apperr.New(apperr.InvalidMetadataBlock, "duplicate %s block (first seen, repeated at line %d)", b.Name, b.StartLine).WithBlock(b.Name, b.StartLine)
		}
		seen[b.Name] = true

		var decodeErr error
		switch b.Name {
		case "PARAMS":
			var blk ParamsBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				for i := range blk.Params {
					pt, err := parseParamType(blk.Params[i].Type)
					if err != nil {
						decodeErr = err
						break
					}
					blk.Params[i].ParsedType = pt
				}
				meta.Params = &blk
			}
		case "CONFIG":
			var blk ConfigBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Config = &blk
			}
		case "SOURCES":
			var blk SourcesBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Sources = &blk
			}
		case "CACHE":
			var blk CacheBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Cache = &blk
			}
		case "TABLE":
			var blk TableBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Table = &blk
			}
		case "SEARCH":
			var blk SearchBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Search = &blk
			}
		case "FACETS":
			var blk FacetsBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Facets = &blk
			}
		case "CHARTS":
			var blk ChartsBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Charts = &blk
			}
		case "DERIVED_PARAMS":
			var blk DerivedParamsBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.DerivedParams = &blk
			}
		case "LITERAL_SOURCES":
			var blk LiteralSourcesBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.LiteralSrcs = &blk
			}
		case "BINDINGS":
			var blk BindingsBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Bindings = &blk
			}
		case "IMPORTS":
			var blk ImportsBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Imports = &blk
			}
		case "SECRETS":
			var blk SecretsBlock
			decodeErr = decodeStrict(&blk, b.YAML)
			if decodeErr == nil {
				meta.Secrets = &blk
			}
		}
		if decodeErr != nil {
			if ae, ok := decodeErr.(*apperr.Error); ok {
				return meta, ae.WithBlock(b.Name, b.StartLine)
			}
			return meta, apperr.Wrap(apperr.InvalidMetadataBlock, decodeErr, "invalid %s block: %v", b.Name, decodeErr).WithBlock(b.Name, b.StartLine)
		}
	}
	return meta, nil
}

var paramTypeTokenRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseParamType is the exported form of parseParamType, used by callers
// outside this package that need to parse a declared type string on its own
// (e.g. internal/plan resolving a DERIVED_PARAMS entry's declared type).
func ParseParamType(s string) (ParamType, error) {
	return parseParamType(s)
}

// parseParamType parses a declared type string into its closed-set
// representation, e.g. "Optional[List[int]]", "Literal[a,b,c]",
// "InjectedIdentLiteral[{a,b,c}]".
func parseParamType(s string) (ParamType, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "Optional[") && strings.HasSuffix(s, "]"):
		inner, err := parseParamType(s[len("Optional[") : len(s)-1])
		if err != nil {
			return ParamType{}, err
		}
		return ParamType{Kind: KindOptional, Elem: &inner}, nil
	case strings.HasPrefix(s, "List[") && strings.HasSuffix(s, "]"):
		inner, err := parseParamType(s[len("List[") : len(s)-1])
		if err != nil {
			return ParamType{}, err
		}
		return ParamType{Kind: KindList, Elem: &inner}, nil
	case strings.HasPrefix(s, "Literal[") && strings.HasSuffix(s, "]"):
		body := s[len("Literal[") : len(s)-1]
		return ParamType{Kind: KindLiteral, Literals: splitCSV(body)}, nil
	case strings.HasPrefix(s, "InjectedIdentLiteral[{") && strings.HasSuffix(s, "}]"):
		body := s[len("InjectedIdentLiteral[{") : len(s)-len("}]")]
		return ParamType{Kind: KindInjectedIdentLit, Literals: splitCSV(body)}, nil
	case s == string(KindInjectedStr):
		return ParamType{Kind: KindInjectedStr}, nil
	case s == string(KindInjectedPathStr):
		return ParamType{Kind: KindInjectedPathStr}, nil
	case s == string(KindInt), s == string(KindFloat), s == string(KindBool),
		s == string(KindDate), s == string(KindDatetime), s == string(KindStr):
		return ParamType{Kind: ParamKind(s)}, nil
	default:
		return ParamType{}, apperr.New(apperr.BadParamType, "unrecognized parameter type %q", s)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// forbiddenKeywords is matched as a whole word, case-insensitively, against
// the SQL body outside of string/comment context.
var forbiddenKeywords = []string{
	"CREATE", "ATTACH", "INSTALL", "LOAD", "INSERT", "UPDATE", "DELETE", "PRAGMA", "SET",
}

func forbiddenKeywordRe() *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)\b(%s)\b`, strings.Join(forbiddenKeywords, "|")))
}
