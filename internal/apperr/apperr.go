// Package apperr defines the stable error taxonomy surfaced to callers of
// ducksearch: a single Error type carrying one of the stable codes and enough context to
// build a JSON error body without re-deriving it from a generic error string.
package apperr

import "fmt"

// Code is one of the stable error codes in the external contract.
type Code string

const (
	ReportNotFound        Code = "ReportNotFound"
	InvalidMetadataBlock  Code = "InvalidMetadataBlock"
	ForbiddenSqlConstruct Code = "ForbiddenSqlConstruct"
	InvalidPlaceholder    Code = "InvalidPlaceholder"
	IllegalScanPath       Code = "IllegalScanPath"
	UndeclaredName        Code = "UndeclaredName"
	ImportCycle           Code = "ImportCycle"
	DuplicateParamCasing  Code = "DuplicateParamCasing"
	BadParamType          Code = "BadParamType"
	BadScopeRouting       Code = "BadScopeRouting"
	BuildTimeout          Code = "BuildTimeout"
	SqlExecutionError     Code = "SqlExecutionError"
	EngineUnavailable     Code = "EngineUnavailable"
	CacheCorrupt          Code = "CacheCorrupt"
)

// httpStatus maps each code to the status returned by the dispatcher.
var httpStatus = map[Code]int{
	ReportNotFound:        404,
	InvalidMetadataBlock:  400,
	ForbiddenSqlConstruct: 400,
	InvalidPlaceholder:    400,
	IllegalScanPath:       400,
	UndeclaredName:        400,
	ImportCycle:           400,
	DuplicateParamCasing:  400,
	BadParamType:          400,
	BadScopeRouting:       400,
	BuildTimeout:          504,
	SqlExecutionError:     422,
	EngineUnavailable:     503,
	CacheCorrupt:          500,
}

// Error is the concrete error type for every code above. Report and Detail
// are optional context surfaced to the caller; neither may ever hold a
// secret value or fully-resolved SQL text (see internal/secrets).
type Error struct {
	ErrCode Code
	Report  string
	Block   string
	Line    int
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.ErrCode, e.Detail)
	if e.Report != "" {
		msg = fmt.Sprintf("%s (report=%s)", msg, e.Report)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.ErrCode]; ok {
		return s
	}
	return 500
}

// New builds an Error for code with a formatted detail message.
func New(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error for code, preserving cause for errors.Unwrap/errors.Is chains.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{ErrCode: code, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// WithReport returns a copy of e annotated with the owning report id.
func (e *Error) WithReport(reportID string) *Error {
	cp := *e
	cp.Report = reportID
	return &cp
}

// WithBlock returns a copy of e annotated with the offending block and line.
func (e *Error) WithBlock(block string, line int) *Error {
	cp := *e
	cp.Block = block
	cp.Line = line
	return &cp
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var ae *Error
	if as(err, &ae) {
		return ae.ErrCode, true
	}
	return "", false
}

// as walks err's Unwrap chain by hand, like errors.As does, looking for an
// *Error; kept local since it is only used here.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
