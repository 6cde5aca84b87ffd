package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bytedance/sonic"

	"voicegate/core"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	if core.IsValidation(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded request body into v. Every failure is a
// ValidationError.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.Invalid("body", "request body exceeds %d bytes", tooLarge.Limit)
		}
		return core.Invalid("body", "unreadable request body: %v", err)
	}
	if len(body) == 0 {
		return core.Invalid("body", "request body is empty")
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return core.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

// headerValue percent-encodes UTF-8 text so any transcript survives header
// transport. Clients decode it with decodeURIComponent.
func headerValue(s string) string {
	return url.PathEscape(s)
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID")
	h.Set("Access-Control-Expose-Headers", "X-Transcript, X-Response-Text, X-Request-ID")
}

// statusRecorder captures the status code for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
	wrote   bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
