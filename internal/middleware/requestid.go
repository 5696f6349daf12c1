package middleware

import (
	"context"
	"net/http"
	"regexp"

	"ducksearch/internal/domain"
)

type requestIDKey struct{}

// requestIDPattern bounds what a caller-supplied correlation id may look
// like: alphanumerics, hyphens, underscores, at most 128 characters.
// Anything else (newlines, angle brackets, whitespace) is discarded so an
// attacker cannot forge extra lines into the structured log stream by
// echoing a crafted header.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// RequestID tags every incoming call with a correlation id, echoed back in
// the X-Request-ID response header. A valid caller-supplied X-Request-ID is
// reused so a browser retrying a report URL keeps one id across attempts;
// otherwise a fresh UUIDv7 is minted. The id is also stored in the request
// context for RequestIDFromContext; the app's slog handlers do not read it,
// so log lines do not carry the id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !requestIDPattern.MatchString(id) {
			id = domain.NewID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFromContext returns the correlation id RequestID stored, or ""
// when the middleware never ran (direct handler tests, background work).
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
