// Package stt transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint such as faster-whisper-server.
package stt

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"voicegate/core"
	"voicegate/services/openai/common"
)

type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8000/v1",
		Model:   "whisper-1",
		Timeout: 60 * time.Second,
	}
}

// WhisperSTTService implements gateway.Transcriber.
type WhisperSTTService struct {
	config Config
	client *openai.Client
}

func NewWhisperSTTService(config Config, httpClient *http.Client) *WhisperSTTService {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &WhisperSTTService{
		config: config,
		client: common.NewClient(config.BaseURL, config.APIKey, httpClient),
	}
}

// Transcribe uploads audio as the multipart "file" part and returns the
// recognised text, trimmed. filename only informs the backend's format
// detection.
func (s *WhisperSTTService) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if filename == "" {
		filename = "audio.wav"
	}
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.config.Model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: s.config.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", common.UpstreamError(core.ServiceTranscription, err)
	}
	return strings.TrimSpace(resp.Text), nil
}
