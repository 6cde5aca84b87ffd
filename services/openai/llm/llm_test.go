package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voicegate/core"
)

type wireRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
}

func completionServer(t *testing.T, handler http.HandlerFunc) *OpenAILLMService {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewOpenAILLMService(Config{
		BaseURL:      server.URL + "/v1",
		Model:        "test-model",
		SystemPrompt: "Be brief.",
		Timeout:      5 * time.Second,
	}, server.Client())
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func TestCompleteSendsFullHistory(t *testing.T) {
	t.Parallel()
	var got wireRequest
	svc := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeCompletion(w, "Hi there!")
	})

	history := []core.Message{
		{Role: core.RoleUser, Content: "Hello!"},
		{Role: core.RoleAssistant, Content: "Hey."},
		{Role: core.RoleUser, Content: "How are you?"},
	}
	reply, err := svc.Complete(context.Background(), history)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "Hi there!" {
		t.Errorf("reply = %q, want %q", reply, "Hi there!")
	}

	if got.Model != "test-model" {
		t.Errorf("model = %q, want test-model", got.Model)
	}
	if got.Stream {
		t.Error("stream should be false")
	}
	if len(got.Messages) != 4 {
		t.Fatalf("messages length = %d, want 4", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "Be brief." {
		t.Errorf("messages[0] = %+v, want system prompt", got.Messages[0])
	}
	for i, want := range history {
		m := got.Messages[i+1]
		if m.Role != string(want.Role) || m.Content != want.Content {
			t.Errorf("messages[%d] = %+v, want %+v", i+1, m, want)
		}
	}
}

func TestCompleteUpstreamFailure(t *testing.T) {
	t.Parallel()
	svc := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"model is loading","type":"server_error"}}`))
	})

	_, err := svc.Complete(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hi"}})
	var upstream *core.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if upstream.Service != core.ServiceInference {
		t.Errorf("Service = %q, want inference", upstream.Service)
	}
	if upstream.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", upstream.Status)
	}
	if upstream.Body != "model is loading" {
		t.Errorf("Body = %q, want %q", upstream.Body, "model is loading")
	}
}

func TestCompleteEmptyChoice(t *testing.T) {
	t.Parallel()
	svc := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "  ")
	})

	_, err := svc.Complete(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hi"}})
	var upstream *core.UpstreamError
	if !errors.As(err, &upstream) || upstream.Body != "empty completion" {
		t.Fatalf("error = %v, want empty completion UpstreamError", err)
	}
}

func TestCompleteTimesOut(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	svc := NewOpenAILLMService(Config{BaseURL: server.URL + "/v1", Timeout: 50 * time.Millisecond}, server.Client())
	_, err := svc.Complete(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hi"}})
	var upstream *core.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want it to wrap context.DeadlineExceeded", err)
	}
}
