package factories

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"voicegate/conversation/drivers"
	"voicegate/core"
)

// newBackends starts stub transcription, inference and synthesis servers
// and returns settings pointed at them.
func newBackends(t *testing.T) Settings {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /stt/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text": "what time is it"}`)
	})
	mux.HandleFunc("POST /llm/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"half past nine"},"finish_reason":"stop"}]}`)
	})
	mux.HandleFunc("POST /tts/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFFwav"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s := DefaultSettings()
	s.ListenAddr = "127.0.0.1:0"
	s.Transcription.BaseURL = srv.URL + "/stt/v1"
	s.Inference.BaseURL = srv.URL + "/llm/v1"
	s.Synthesis.BaseURL = srv.URL + "/tts/v1"
	s.ShutdownTimeout = Duration(2 * time.Second)
	return s
}

func TestBuildServesChatEndToEnd(t *testing.T) {
	t.Parallel()
	s := newBackends(t)
	app, err := Build(context.Background(), s, core.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer app.Store.Close(context.Background())

	body := `{"model":"m","messages":[{"role":"user","content":"what time is it"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Audio string `json:"audio"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "half past nine" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	audio, _ := base64.StdEncoding.DecodeString(resp.Audio)
	if string(audio) != "RIFFwav" {
		t.Fatalf("audio = %q, want %q", audio, "RIFFwav")
	}
	if got := app.Store.Snapshot(s.Conversation.DefaultSession); len(got) != 2 {
		t.Fatalf("history = %+v, want user and assistant turns", got)
	}
}

func TestBuildRejectsInvalidSettings(t *testing.T) {
	t.Parallel()
	s := DefaultSettings()
	s.Conversation.TargetFraction = 0.95
	_, err := Build(context.Background(), s, core.NewDiscardLogger())
	var cfgErr *core.StartupConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Key != "conversation.target_fraction" {
		t.Fatalf("Build error = %v, want StartupConfigError for conversation.target_fraction", err)
	}
}

func TestMetricsRouteFollowsSettings(t *testing.T) {
	t.Parallel()
	for _, enabled := range []bool{true, false} {
		s := newBackends(t)
		s.Metrics = enabled
		app, err := Build(context.Background(), s, core.NewDiscardLogger())
		if err != nil {
			t.Fatal(err)
		}
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		want := http.StatusNotFound
		if enabled {
			want = http.StatusOK
		}
		if rec.Code != want {
			t.Errorf("metrics=%v: GET /metrics = %d, want %d", enabled, rec.Code, want)
		}
		app.Store.Close(context.Background())
	}
}

func TestRunServesUntilCancelledAndFlushes(t *testing.T) {
	t.Parallel()
	s := newBackends(t)
	s.Persistence.Driver = DriverBolt
	s.Persistence.BoltPath = filepath.Join(t.TempDir(), "conversations.db")
	app, err := Build(context.Background(), s, core.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.Server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	body := `{"model":"m","messages":[{"role":"user","content":"hello"}]}`
	req, _ := http.NewRequest("POST", "http://"+app.Server.Addr().String()+"/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("X-Session-ID", "porch")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Close flushed the conversation to disk.
	bolt, err := drivers.OpenBolt(s.Persistence.BoltPath)
	if err != nil {
		t.Fatal(err)
	}
	defer bolt.Close()
	turns, err := bolt.Load(context.Background(), "porch")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Content != "hello" || turns[1].Content != "half past nine" {
		t.Fatalf("persisted turns = %+v", turns)
	}
}
