package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveRequest("/health", 200, time.Millisecond)
	m.ObserveTurnRequest("completed", "")
	m.ObserveUpstream("inference", nil, time.Millisecond)
	m.ObserveStream("completed", 10)
	m.TurnAppended("user")
	m.TurnsEvicted(3)
	m.TurnsTrimmed(2)
	m.SetSessions(4)
	m.PersistError("save")
}

func TestRecordingMethods(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveRequest("/v1/chat/completions", 200, 20*time.Millisecond)
	m.ObserveRequest("/v1/chat/completions", 200, 30*time.Millisecond)
	m.ObserveRequest("/v1/chat/completions", 400, time.Millisecond)
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/chat/completions", "200")); got != 2 {
		t.Errorf("requests{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/chat/completions", "400")); got != 1 {
		t.Errorf("requests{400} = %v, want 1", got)
	}

	m.ObserveUpstream("synthesis", nil, time.Second)
	m.ObserveUpstream("synthesis", errors.New("boom"), time.Second)
	if got := testutil.ToFloat64(m.upstreamCalls.WithLabelValues("synthesis", "error")); got != 1 {
		t.Errorf("upstream errors = %v, want 1", got)
	}

	m.ObserveStream("completed", 100)
	m.ObserveStream("client_gone", 28)
	if got := testutil.ToFloat64(m.streamedBytes); got != 128 {
		t.Errorf("streamed bytes = %v, want 128", got)
	}

	m.ObserveTurnRequest("errored", "inferring")
	if got := testutil.ToFloat64(m.requestStates.WithLabelValues("errored", "inferring")); got != 1 {
		t.Errorf("turn requests = %v, want 1", got)
	}

	m.TurnsEvicted(0)
	m.TurnsEvicted(5)
	if got := testutil.ToFloat64(m.evictedTurns); got != 5 {
		t.Errorf("evicted = %v, want 5", got)
	}

	m.TurnsTrimmed(0)
	m.TurnsTrimmed(4)
	if got := testutil.ToFloat64(m.trims); got != 1 {
		t.Errorf("trims = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.trimmedTurns); got != 4 {
		t.Errorf("trimmed turns = %v, want 4", got)
	}

	m.SetSessions(7)
	m.SetSessions(3)
	if got := testutil.ToFloat64(m.sessions); got != 3 {
		t.Errorf("sessions = %v, want 3", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	t.Parallel()
	m := New()
	m.TurnAppended("assistant")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `voicegate_conversation_turns_total{role="assistant"} 1`) {
		t.Fatalf("exposition missing turn counter:\n%s", body)
	}
}
