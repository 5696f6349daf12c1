package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"ducksearch/internal/apperr"
	"ducksearch/internal/config"

	"github.com/go-chi/chi/v5"
)

// handleFilestore serves GET /fs/<jail>/<path>: static files rooted under a
// named jail directory, refusing any path that escapes the jail, any
// extension on the deny list (or off the allow list, when one is
// configured), and any file larger than the configured cap (spec §6.3).
func (s *Server) handleFilestore(w http.ResponseWriter, r *http.Request) {
	jail := chi.URLParam(r, "jail")
	rel := chi.URLParam(r, "*")

	root, ok := s.Filestore.Roots[jail]
	if !ok {
		writeError(w, r, apperr.New(apperr.IllegalScanPath, "unknown filestore jail %q", jail))
		return
	}

	full, err := resolveJailed(root, rel)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.IllegalScanPath, err, "path escapes jail %q", jail))
		return
	}

	ext := strings.ToLower(filepath.Ext(full))
	if extDenied(s.Filestore, ext) {
		writeError(w, r, apperr.New(apperr.IllegalScanPath, "extension %q is not servable", ext))
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeError(w, r, apperr.New(apperr.ReportNotFound, "file not found under jail %q", jail))
		return
	}
	if s.Filestore.MaxBytes > 0 && info.Size() > s.Filestore.MaxBytes {
		writeError(w, r, apperr.New(apperr.IllegalScanPath, "file exceeds max servable size (%d bytes)", s.Filestore.MaxBytes))
		return
	}

	http.ServeFile(w, r, full)
}

// resolveJailed joins root and rel, then verifies the cleaned absolute
// result still lives under root — the only check that actually prevents a
// "../../etc/passwd" escape, since filepath.Join alone does not.
func resolveJailed(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(absRoot, rel)
	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", os.ErrPermission
	}
	return joined, nil
}

func extDenied(cfg config.FilestoreConfig, ext string) bool {
	if len(cfg.AllowExt) > 0 {
		for _, a := range cfg.AllowExt {
			if strings.EqualFold(a, ext) {
				return false
			}
		}
		return true
	}
	for _, d := range cfg.DenyExt {
		if strings.EqualFold(d, ext) {
			return true
		}
	}
	return false
}
