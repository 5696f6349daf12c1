// Package params implements the parameter resolver (C5): it turns a raw URL
// query string into typed, case-normalized parameter values split into a
// server bag (flows into artifact fingerprints and SQL splicing) and a
// client bag (never touches the server at all).
package params

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"ducksearch/internal/apperr"
	"ducksearch/internal/ddl"
	"ducksearch/internal/report"
)

const (
	clientPrefix      = "__client__"
	serverPrefix      = "__server__"
	forceServerGlobal = "__force_server"
)

// Value is one resolved parameter: either present with a coerced
// representation, or explicitly absent (Optional[T] with no value supplied
// and no default).
type Value struct {
	Name    string
	Scope   report.ParamScope
	Type    report.ParamType
	Absent  bool
	Literal string   // SQL literal ready for {{param X}} splicing ("NULL" if Absent)
	Scalar  string   // canonical string form for fingerprinting a scalar value
	List    []string // canonical, sorted per-element string forms for List[T]
}

// FingerprintValue returns the canonical string this parameter contributes
// to a node's fingerprint inputs.
func (v Value) FingerprintValue() string {
	if v.Absent {
		return ""
	}
	if v.List != nil {
		return strings.Join(v.List, "\x1f")
	}
	return v.Scalar
}

// Values is a resolved, canonical-name-keyed parameter bag.
type Values map[string]Value

// Resolved is the output of Resolve: the server-bound bag that flows into
// fingerprints/SQL, and the client-only bag that never does.
type Resolved struct {
	Server Values
	Client Values
}

// Resolve implements C5 over query (already parsed from the request URL)
// and the report's declared parameter specs.
func Resolve(declared []report.ParamSpec, query url.Values) (Resolved, error) {
	canonical := map[string]report.ParamSpec{}
	foldIndex := map[string]string{} // lowercase -> canonical name
	for _, p := range declared {
		canonical[p.Name] = p
		foldIndex[strings.ToLower(p.Name)] = p.Name
	}

	forceServer := false
	if v := query.Get(forceServerGlobal); v == "1" || strings.EqualFold(v, "true") {
		forceServer = true
	}

	type incoming struct {
		originalKey string
		client      bool
		serverHint  bool
		values      []string
	}
	byCanonical := map[string][]incoming{}

	for key, values := range query {
		if key == forceServerGlobal {
			continue
		}
		stripped := key
		isClient, isServer := false, false
		switch {
		case strings.HasPrefix(key, clientPrefix):
			stripped = key[len(clientPrefix):]
			isClient = true
		case strings.HasPrefix(key, serverPrefix):
			stripped = key[len(serverPrefix):]
			isServer = true
		}
		canon, ok := foldIndex[strings.ToLower(stripped)]
		if !ok {
			continue // unknown param names are ignored, not errors (forward-compatible URLs)
		}
		byCanonical[canon] = append(byCanonical[canon], incoming{
			originalKey: stripped, client: isClient, serverHint: isServer, values: values,
		})
	}

	// DuplicateParamCasing: two distinct incoming keys folding to the same
	// canonical scalar param.
	for canon, occurrences := range byCanonical {
		spec := canonical[canon]
		leaf := spec.ParsedType
		if leaf.Kind == report.KindOptional {
			leaf = *leaf.Elem
		}
		if leaf.Kind == report.KindList {
			continue // repeated/differently-cased keys are legitimate for List[T]
		}
		seenKeys := map[string]bool{}
		for _, occ := range occurrences {
			seenKeys[occ.originalKey] = true
		}
		if len(seenKeys) > 1 {
			return Resolved{}, apperr.New(apperr.DuplicateParamCasing,
				"parameter %s received multiple differently-cased keys", canon)
		}
	}

	server := Values{}
	client := Values{}

	for _, spec := range declared {
		occurrences := byCanonical[spec.Name]

		effectiveClient := false
		if len(occurrences) > 0 {
			effectiveClient = occurrences[0].client && !forceServer && !occurrences[0].serverHint
		}

		clientSupplied := effectiveClient
		for _, occ := range occurrences {
			if occ.client && !forceServer && !occ.serverHint {
				clientSupplied = true
			}
		}

		if clientSupplied && spec.Scope == report.ScopeData {
			return Resolved{}, apperr.New(apperr.BadScopeRouting,
				"parameter %s has scope=data and cannot be supplied as __client__", spec.Name)
		}

		var raw []string
		for _, occ := range occurrences {
			raw = append(raw, occ.values...)
		}

		val, err := coerce(spec, raw)
		if err != nil {
			return Resolved{}, err
		}

		// A view-scoped param never participates in a data operation (lint
		// rejects any SQL reference to one), so it always stays in the client
		// bag: routing it to the server would leak it into node fingerprints
		// and rebuild artifacts that cannot depend on it.
		if effectiveClient || spec.Scope == report.ScopeView {
			client[spec.Name] = val
			continue
		}
		server[spec.Name] = val
	}

	return Resolved{Server: server, Client: client}, nil
}

func coerce(spec report.ParamSpec, raw []string) (Value, error) {
	v := Value{Name: spec.Name, Scope: spec.Scope, Type: spec.ParsedType}

	pt := spec.ParsedType
	optional := false
	if pt.Kind == report.KindOptional {
		optional = true
		pt = *pt.Elem
	}

	if len(raw) == 0 {
		if spec.Default != nil {
			raw = []string{*spec.Default}
		} else if optional {
			v.Absent = true
			v.Literal = "NULL"
			return v, nil
		} else {
			return Value{}, apperr.New(apperr.BadParamType, "parameter %s is required but was not supplied", spec.Name)
		}
	}

	switch pt.Kind {
	case report.KindList:
		elemKind := pt.Elem.Kind
		var items []string
		for _, r := range raw {
			for _, part := range strings.Split(r, ",") {
				part = strings.TrimSpace(part)
				if part != "" {
					items = append(items, part)
				}
			}
		}
		var literals []string
		for _, item := range items {
			lit, canon, err := coerceScalar(spec.Name, elemKind, pt.Elem.Literals, item)
			if err != nil {
				return Value{}, err
			}
			literals = append(literals, lit)
			v.List = append(v.List, canon)
		}
		sort.Strings(v.List)
		v.Literal = "(" + strings.Join(literals, ", ") + ")"
		return v, nil

	case report.KindLiteral:
		if len(raw) != 1 {
			return Value{}, apperr.New(apperr.BadParamType, "parameter %s expects exactly one value", spec.Name)
		}
		if !contains(pt.Literals, raw[0]) {
			return Value{}, apperr.New(apperr.BadParamType, "parameter %s value %q is not one of the declared literal values", spec.Name, raw[0])
		}
		lit := ddl.QuoteLiteral(raw[0])
		v.Literal = lit
		v.Scalar = raw[0]
		return v, nil

	default:
		if len(raw) != 1 {
			return Value{}, apperr.New(apperr.BadParamType, "parameter %s expects exactly one value", spec.Name)
		}
		lit, canon, err := coerceScalar(spec.Name, pt.Kind, pt.Literals, raw[0])
		if err != nil {
			return Value{}, err
		}
		v.Literal = lit
		v.Scalar = canon
		return v, nil
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// coerceScalar returns the (sqlLiteral, canonicalFingerprintForm) pair for a
// single value of the given leaf kind.
func coerceScalar(paramName string, kind report.ParamKind, allowedIdents []string, raw string) (string, string, error) {
	switch kind {
	case report.KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s value %q is not a valid int", paramName, raw)
		}
		return strconv.FormatInt(n, 10), strconv.FormatInt(n, 10), nil

	case report.KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s value %q is not a valid float", paramName, raw)
		}
		canon := strconv.FormatFloat(f, 'g', -1, 64)
		return canon, canon, nil

	case report.KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s value %q is not a valid bool", paramName, raw)
		}
		if b {
			return "TRUE", "true", nil
		}
		return "FALSE", "false", nil

	case report.KindDate:
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s value %q is not a valid date (YYYY-MM-DD)", paramName, raw)
		}
		canon := t.Format("2006-01-02")
		return "DATE " + ddl.QuoteLiteral(canon), canon, nil

	case report.KindDatetime:
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s value %q is not a valid datetime (RFC3339)", paramName, raw)
		}
		canon := t.UTC().Format(time.RFC3339)
		return "TIMESTAMP " + ddl.QuoteLiteral(canon), canon, nil

	case report.KindStr, report.KindInjectedStr:
		return ddl.QuoteLiteral(raw), raw, nil

	case report.KindInjectedIdentLit:
		if !contains(allowedIdents, raw) {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s value %q is not in the declared identifier allowlist", paramName, raw)
		}
		if err := ddl.ValidateIdentifier(raw); err != nil {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s: %v", paramName, err)
		}
		return raw, raw, nil

	case report.KindLiteral:
		if !contains(allowedIdents, raw) {
			return "", "", apperr.New(apperr.BadParamType, "parameter %s value %q is not one of the declared literal values", paramName, raw)
		}
		return ddl.QuoteLiteral(raw), raw, nil

	case report.KindInjectedPathStr:
		return "", "", apperr.New(apperr.BadScopeRouting, "parameter %s is InjectedPathStr and may only be resolved from config, never a URL", paramName)

	default:
		return "", "", fmt.Errorf("unhandled parameter kind %q", kind)
	}
}
