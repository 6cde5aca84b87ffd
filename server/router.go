// Package server exposes the HTTP surface: chat and voice turns that run
// through the conversation store and the downstream gateway, plus
// synthesis-only passthrough routes.
package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"voicegate/conversation"
	"voicegate/core"
	"voicegate/gateway"
	"voicegate/metrics"
)

const (
	DefaultMaxChatChars   = 10000
	DefaultMaxSpeechChars = 5000
	DefaultMaxUploadBytes = 25 << 20

	maxSessionKeyLen = 128
	maxVoiceLen      = 64
)

// SessionHeader selects the conversation a request belongs to.
const SessionHeader = "X-Session-ID"

// Backend is everything the router needs downstream. *gateway.Gateway
// implements it.
type Backend interface {
	gateway.Transcriber
	gateway.Completer
	gateway.Synthesizer
}

// Limits bounds client input.
type Limits struct {
	MaxChatChars   int
	MaxSpeechChars int
	MaxUploadBytes int64
}

type Options struct {
	Store          *conversation.Store
	Backend        Backend
	Limits         Limits
	DefaultSession string
	Logger         *core.Logger
	Metrics        *metrics.Metrics
}

// Router dispatches on exact method and path.
type Router struct {
	store          *conversation.Store
	backend        Backend
	limits         Limits
	defaultSession string
	logger         *core.Logger
	metrics        *metrics.Metrics

	routes map[string]http.HandlerFunc
}

func NewRouter(opts Options) *Router {
	if opts.Limits.MaxChatChars <= 0 {
		opts.Limits.MaxChatChars = DefaultMaxChatChars
	}
	if opts.Limits.MaxSpeechChars <= 0 {
		opts.Limits.MaxSpeechChars = DefaultMaxSpeechChars
	}
	if opts.Limits.MaxUploadBytes <= 0 {
		opts.Limits.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.DefaultSession == "" {
		opts.DefaultSession = conversation.DefaultSession
	}
	if opts.Logger == nil {
		opts.Logger = core.GetLogger()
	}

	rt := &Router{
		store:          opts.Store,
		backend:        opts.Backend,
		limits:         opts.Limits,
		defaultSession: opts.DefaultSession,
		logger:         opts.Logger.With(map[string]interface{}{"component": "router"}),
		metrics:        opts.Metrics,
	}
	rt.routes = map[string]http.HandlerFunc{
		"GET /health":                  rt.handleHealth,
		"GET /v1/audio/voices":         rt.handleVoices,
		"POST /v1/chat/completions":    rt.handleChat,
		"POST /v1/audio/speech":        rt.handleSpeech,
		"POST /v1/audio/speech/stream": rt.handleSpeechStream,
		"POST /v1/audio/process":       rt.handleProcess,
	}
	if opts.Metrics != nil {
		rt.routes["GET /metrics"] = opts.Metrics.Handler().ServeHTTP
	}
	return rt
}

// Routes lists the served "METHOD /path" patterns in sorted order.
func (rt *Router) Routes() []string {
	out := make([]string, 0, len(rt.routes))
	for key := range rt.routes {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	setCORS(rec.Header())
	rec.Header().Set("X-Request-ID", requestID)

	key := r.Method + " " + r.URL.Path
	handler, ok := rt.routes[key]
	route := r.URL.Path
	if !ok {
		route = "unmatched"
	}
	defer func() {
		rt.metrics.ObserveRequest(route, rec.status, time.Since(start))
	}()

	if r.Method == http.MethodOptions {
		rec.WriteHeader(http.StatusNoContent)
		return
	}
	if !ok {
		writeError(rec, http.StatusNotFound, "not found: "+key)
		return
	}

	logger := rt.logger.With(map[string]interface{}{
		"request_id": requestID,
		"method":     r.Method,
		"route":      route,
	})
	handler(rec, r.WithContext(core.ContextWithLogger(r.Context(), logger)))
}

// session resolves the conversation key for r.
func (rt *Router) session(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(SessionHeader))
	if key == "" {
		return rt.defaultSession, nil
	}
	if len(key) > maxSessionKeyLen {
		return "", core.Invalid(SessionHeader, "longer than %d bytes", maxSessionKeyLen)
	}
	for _, c := range key {
		if c < 0x21 || c == 0x7f {
			return "", core.Invalid(SessionHeader, "contains whitespace or control characters")
		}
	}
	return key, nil
}

// withSession adds the session key to the request logger.
func withSession(ctx context.Context, run *turnRun, session string) context.Context {
	logger := core.LoggerFromContext(ctx).With(map[string]interface{}{"session": session})
	run.logger = logger
	return core.ContextWithLogger(ctx, logger)
}

// checkText rejects empty or over-length text.
func checkText(field, text string, limit int) error {
	if strings.TrimSpace(text) == "" {
		return core.Invalid(field, "must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > limit {
		return core.Invalid(field, "%d characters exceeds the limit of %d", n, limit)
	}
	return nil
}

func checkVoice(voice string) error {
	if len(voice) > maxVoiceLen {
		return core.Invalid("voice", "longer than %d bytes", maxVoiceLen)
	}
	for _, c := range voice {
		if c <= 0x20 || c == 0x7f {
			return core.Invalid("voice", "contains whitespace or control characters")
		}
	}
	return nil
}
