package httpapi

import (
	"net/http"

	"ducksearch/internal/apperr"
)

// handleReport serves GET /report?report=<id>&<params>, returning the JSON
// manifest or, with format=html, an HTML shell that boots the browser
// engine against that same manifest (spec §4.10, §6.3).
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reportID := q.Get("report")
	if reportID == "" {
		writeError(w, r, apperr.New(apperr.ReportNotFound, "missing required query parameter %q", "report"))
		return
	}
	q.Del("report")
	format := q.Get("format")
	q.Del("format")

	manifest, err := s.Dispatcher.Dispatch(r.Context(), reportID, q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if format == "html" {
		writeManifestShell(w, manifest)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}
