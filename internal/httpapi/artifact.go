package httpapi

import (
	"net/http"
	"strings"

	"ducksearch/internal/apperr"
	"ducksearch/internal/cache"
	"ducksearch/internal/fingerprint"

	"github.com/go-chi/chi/v5"
)

// handleArtifact serves GET /cache/<kind>/<fp>.parquet. Artifacts are
// content-addressed and therefore immutable: once published, the same URL
// always serves the same bytes, so the response carries a long-lived,
// immutable cache-control header (spec §6.3).
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	kind := cache.Kind(chi.URLParam(r, "kind"))
	fpParam := chi.URLParam(r, "fp")
	fpHex := strings.TrimSuffix(fpParam, ".parquet")
	if fpHex == fpParam {
		writeError(w, r, apperr.New(apperr.CacheCorrupt, "artifact path must end in .parquet"))
		return
	}

	path, ok := s.Cache.PathIfExists(kind, fingerprint.Digest(fpHex))
	if !ok {
		writeError(w, r, apperr.New(apperr.CacheCorrupt, "no published artifact for %s/%s", kind, fpHex))
		return
	}

	s.Cache.Acquire(path)
	defer s.Cache.Release(path)

	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}
