package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"ducksearch/internal/apperr"
)

// errorBody is the JSON shape for every error response (spec §6.3, §7).
// detail/message never carry secrets or resolved SQL text.
type errorBody struct {
	ErrorCode       string `json:"error_code"`
	Message         string `json:"message"`
	Report          string `json:"report,omitempty"`
	ReproductionURL string `json:"reproduction_url,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := "InternalError"
	status := http.StatusInternalServerError
	report := ""
	detail := err.Error()

	if ae, ok := err.(*apperr.Error); ok {
		code = string(ae.ErrCode)
		status = ae.HTTPStatus()
		report = ae.Report
		detail = ae.Detail
	} else if c, ok := apperr.CodeOf(err); ok {
		code = string(c)
	}

	body := errorBody{
		ErrorCode:       code,
		Message:         detail,
		Report:          report,
		ReproductionURL: reproductionURL(r),
		Detail:          detail,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// reproductionURL rebuilds the request URL minus any __client__-scoped
// params, per spec §7's "original request URL minus any __client__… params".
func reproductionURL(r *http.Request) string {
	q := r.URL.Query()
	for key := range q {
		if strings.HasPrefix(key, "__client__") {
			q.Del(key)
		}
	}
	u := *r.URL
	u.RawQuery = q.Encode()
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	if u.Host == "" {
		u.Host = r.Host
	}
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
