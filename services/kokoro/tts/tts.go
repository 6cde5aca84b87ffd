// Package tts talks to a Kokoro-style speech server: buffered WAV from
// /audio/speech, progressively chunked WAV from /audio/speech/stream and the
// voice list from /audio/voices.
package tts

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"voicegate/core"
	"voicegate/gateway"
)

type Config struct {
	BaseURL       string
	Model         string
	DefaultVoice  string
	Speed         float64
	Timeout       time.Duration
	StreamTimeout time.Duration
	ChunkSize     int
}

func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8880/v1",
		Model:         "kokoro",
		DefaultVoice:  "af_heart",
		Speed:         1.0,
		Timeout:       30 * time.Second,
		StreamTimeout: 5 * time.Minute,
		ChunkSize:     gateway.DefaultChunkSize,
	}
}

// speechRequest is the body of both speech endpoints.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// KokoroTTSService implements gateway.Synthesizer.
type KokoroTTSService struct {
	config Config
	client *http.Client
}

// NewKokoroTTSService fills zero fields from DefaultConfig. When httpClient is
// nil a client is built whose header wait is bounded by config.Timeout.
func NewKokoroTTSService(config Config, httpClient *http.Client) *KokoroTTSService {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.DefaultVoice == "" {
		config.DefaultVoice = defaults.DefaultVoice
	}
	if config.Speed <= 0 {
		config.Speed = defaults.Speed
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = defaults.StreamTimeout
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if httpClient == nil {
		httpClient = gateway.NewHTTPClient(config.Timeout)
	}
	return &KokoroTTSService{
		config: config,
		client: httpClient,
	}
}

// DefaultVoice is used when a request names none.
func (s *KokoroTTSService) DefaultVoice() string {
	return s.config.DefaultVoice
}

// Synthesize returns the whole WAV payload.
func (s *KokoroTTSService) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	resp, err := s.post(ctx, "/audio/speech", text, voice)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := gateway.ReadLimited(resp.Body, gateway.MaxAudioBody)
	if err != nil {
		return nil, gateway.TransportError(core.ServiceSynthesis, err)
	}
	return audio, nil
}

// SynthesizeStream returns once response headers arrive. The stream as a
// whole is bounded by StreamTimeout and is released by AudioStream.Close or
// by cancelling ctx.
func (s *KokoroTTSService) SynthesizeStream(ctx context.Context, text, voice string) (*gateway.AudioStream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StreamTimeout)

	resp, err := s.post(ctx, "/audio/speech/stream", text, voice)
	if err != nil {
		cancel()
		return nil, err
	}
	return gateway.NewAudioStream(ctx, resp.Body, cancel, s.config.ChunkSize), nil
}

// Voices passes the backend's voice list through unchanged.
func (s *KokoroTTSService) Voices(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/audio/voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, gateway.TransportError(core.ServiceSynthesis, err)
	}
	if err := gateway.CheckResponse(core.ServiceSynthesis, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := gateway.ReadLimited(resp.Body, gateway.MaxJSONBody)
	if err != nil {
		return nil, gateway.TransportError(core.ServiceSynthesis, err)
	}
	return body, nil
}

func (s *KokoroTTSService) post(ctx context.Context, path, text, voice string) (*http.Response, error) {
	if voice == "" {
		voice = s.config.DefaultVoice
	}
	payload, err := sonic.Marshal(speechRequest{
		Model:          s.config.Model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: "wav",
		Speed:          s.config.Speed,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", core.AudioContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, gateway.TransportError(core.ServiceSynthesis, err)
	}
	if err := gateway.CheckResponse(core.ServiceSynthesis, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
