package httpapi

import (
	"encoding/json"
	"net/http"

	"ducksearch/internal/dispatch"

	. "maragu.dev/gomponents"
	data "maragu.dev/gomponents-datastar"
	. "maragu.dev/gomponents/html"
)

// writeManifestShell renders the small HTML page that boots the browser
// engine against a manifest. ducksearch never renders the artifact data
// itself server-side (spec §4.10): the shell just hands the manifest JSON
// to the client and wires a datastar signal that flips once the engine
// reports the report as loaded.
func writeManifestShell(w http.ResponseWriter, m *dispatch.Manifest) {
	raw, _ := json.Marshal(m)

	page := HTML(
		Lang("en"),
		Head(
			Meta(Charset("utf-8")),
			Meta(Name("viewport"), Content("width=device-width, initial-scale=1")),
			TitleEl(Text("ducksearch: "+m.Report)),
			Script(
				Type("module"),
				Src("https://cdn.jsdelivr.net/gh/starfederation/datastar@1.0.0-RC.7/bundles/datastar.js"),
			),
		),
		Body(
			data.Signals(map[string]any{"ready": false}),
			Div(
				ID("manifest"),
				Attr("data-manifest", string(raw)),
				Attr("data-text", boolLabel("ready")),
			),
			Script(Raw(`
window.__ducksearch_manifest = `+string(raw)+`;
document.addEventListener('DOMContentLoaded', () => {
  window.dispatchEvent(new CustomEvent('ducksearch:manifest', {detail: window.__ducksearch_manifest}));
});
`)),
		),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = page.Render(w)
}

func boolLabel(signal string) string {
	return "$" + signal + " ? 'ready' : 'loading'"
}
