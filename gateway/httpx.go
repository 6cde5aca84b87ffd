package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"voicegate/core"
)

const (
	// MaxErrorBody bounds how much of a failed response is kept for logs.
	MaxErrorBody int64 = 64 << 10
	// MaxAudioBody bounds a buffered synthesis response.
	MaxAudioBody int64 = 256 << 20
	// MaxJSONBody bounds small JSON responses such as the voice list.
	MaxJSONBody int64 = 4 << 20
)

// NewHTTPClient returns a client whose transport gives up waiting for
// response headers after headerTimeout. Total time is bounded by the caller's
// context so streamed bodies are not cut short.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// ReadLimited reads at most limit bytes and fails if the body is larger.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}

// ErrorBody reads a failed response body for diagnostics. Read errors are
// ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBody))
	return strings.TrimSpace(string(data))
}

// CheckResponse turns a non-2xx response into an UpstreamError, draining
// and closing the body.
func CheckResponse(service core.Service, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	return &core.UpstreamError{
		Service: service,
		Status:  resp.StatusCode,
		Body:    ErrorBody(resp.Body),
	}
}

// TransportError wraps a failure to get any response at all.
func TransportError(service core.Service, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &core.UpstreamError{Service: service, Err: fmt.Errorf("timed out: %w", err)}
	default:
		return &core.UpstreamError{Service: service, Err: err}
	}
}
