// Package metrics holds the Prometheus collectors for the orchestration
// service. All recording methods are safe on a nil *Metrics so components can
// be built without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicegate"

// Metrics bundles every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestStates    *prometheus.CounterVec
	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	streams          *prometheus.CounterVec
	streamedBytes    prometheus.Counter
	turns            *prometheus.CounterVec
	evictedTurns     prometheus.Counter
	trims            prometheus.Counter
	trimmedTurns     prometheus.Counter
	sessions         prometheus.Gauge
	persistErrors    *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route"}),
		requestStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_requests_total",
			Help:      "Orchestrated requests by the state they ended in and the state they failed from.",
		}, []string{"final_state", "failed_from"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Downstream backend calls by service and outcome.",
		}, []string{"service", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Downstream backend latency (time to headers for streams).",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"service"}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_streams_total",
			Help:      "Streamed audio responses by outcome (completed, client_gone, upstream_broken, upstream_timeout).",
		}, []string{"outcome"}),
		streamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_streamed_bytes_total",
			Help:      "Audio bytes forwarded to clients on streamed responses.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_turns_total",
			Help:      "Turns appended to conversations by role.",
		}, []string{"role"}),
		evictedTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_evicted_turns_total",
			Help:      "Turns removed because they outlived the TTL.",
		}),
		trims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_trims_total",
			Help:      "Budget trim passes that removed at least one turn.",
		}),
		trimmedTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_trimmed_turns_total",
			Help:      "Turns removed to stay within the context budget.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_sessions",
			Help:      "Conversations currently held in memory.",
		}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_persist_errors_total",
			Help:      "Persistence driver failures by operation.",
		}, []string{"op"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.requestStates,
		m.upstreamCalls,
		m.upstreamDuration,
		m.streams,
		m.streamedBytes,
		m.turns,
		m.evictedTurns,
		m.trims,
		m.trimmedTurns,
		m.sessions,
		m.persistErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveTurnRequest records the final state of one orchestrated request.
// failedFrom is empty for requests that completed.
func (m *Metrics) ObserveTurnRequest(finalState, failedFrom string) {
	if m == nil {
		return
	}
	m.requestStates.WithLabelValues(finalState, failedFrom).Inc()
}

func (m *Metrics) ObserveUpstream(service string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.upstreamCalls.WithLabelValues(service, outcome).Inc()
	m.upstreamDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveStream(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(outcome).Inc()
	m.streamedBytes.Add(float64(bytes))
}

func (m *Metrics) TurnAppended(role string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(role).Inc()
}

func (m *Metrics) TurnsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictedTurns.Add(float64(n))
}

func (m *Metrics) TurnsTrimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.trims.Inc()
	m.trimmedTurns.Add(float64(n))
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) PersistError(op string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(op).Inc()
}
