package images

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// gzipThreshold is the minimum JSON body size before compression is
// considered. Gzip overhead is not worth it for smaller payloads.
const gzipThreshold = 1024

// Error codes carried in JSON error bodies.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeNotFound         = "not_found"
	CodeConversionFailed = "conversion_failed"
	CodeInternalError    = "internal_error"
)

// ErrorResponse is the JSON body written for every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteJSON marshals v and writes it with the given status. Bodies above
// gzipThreshold are gzip-compressed when the client accepts it; image bytes
// never pass through here, only JSON.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if len(body) >= gzipThreshold && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		gz := gzip.NewWriter(w)
		_, _ = gz.Write(body)
		_ = gz.Close()
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError writes the standard JSON error body.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	WriteJSON(w, r, status, ErrorResponse{Error: code, Detail: detail})
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc = strings.TrimSpace(enc)
		if enc == "gzip" || strings.HasPrefix(enc, "gzip;") {
			return true
		}
	}
	return false
}
