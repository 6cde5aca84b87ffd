// Package gateway defines the downstream capabilities the router depends on
// (transcription, inference, synthesis) and wraps concrete backends with
// timing logs and metrics. The gateway never retries.
package gateway

import (
	"context"
	"errors"
	"time"

	"voicegate/core"
	"voicegate/metrics"
)

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Completer runs one non-streaming completion over the full ordered history.
type Completer interface {
	Complete(ctx context.Context, history []core.Message) (string, error)
}

// Synthesizer turns text into WAV audio, either buffered or as a lazy
// sequence of chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
	SynthesizeStream(ctx context.Context, text, voice string) (*AudioStream, error)
	// Voices returns the backend's voice list unmodified.
	Voices(ctx context.Context) ([]byte, error)
}

// Gateway bundles the three backends and records timing for every call.
type Gateway struct {
	transcriber Transcriber
	completer   Completer
	synthesizer Synthesizer
	metrics     *metrics.Metrics
}

// New wires the backends. m may be nil.
func New(t Transcriber, c Completer, s Synthesizer, m *metrics.Metrics) *Gateway {
	return &Gateway{
		transcriber: t,
		completer:   c,
		synthesizer: s,
		metrics:     m,
	}
}

func (g *Gateway) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	start := time.Now()
	text, err := g.transcriber.Transcribe(ctx, audio, filename)
	g.observe(ctx, core.ServiceTranscription, "transcribe", start, err, map[string]interface{}{
		"audio_bytes": len(audio),
		"text_chars":  len(text),
	})
	return text, err
}

func (g *Gateway) Complete(ctx context.Context, history []core.Message) (string, error) {
	start := time.Now()
	reply, err := g.completer.Complete(ctx, history)
	g.observe(ctx, core.ServiceInference, "complete", start, err, map[string]interface{}{
		"history_turns": len(history),
		"reply_chars":   len(reply),
	})
	return reply, err
}

func (g *Gateway) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	start := time.Now()
	audio, err := g.synthesizer.Synthesize(ctx, text, voice)
	g.observe(ctx, core.ServiceSynthesis, "synthesize", start, err, map[string]interface{}{
		"voice":       voice,
		"text_chars":  len(text),
		"audio_bytes": len(audio),
	})
	return audio, err
}

// SynthesizeStream records time to response headers; the caller accounts for
// the body as it drains the stream.
func (g *Gateway) SynthesizeStream(ctx context.Context, text, voice string) (*AudioStream, error) {
	start := time.Now()
	stream, err := g.synthesizer.SynthesizeStream(ctx, text, voice)
	g.observe(ctx, core.ServiceSynthesis, "synthesize_stream", start, err, map[string]interface{}{
		"voice":      voice,
		"text_chars": len(text),
	})
	return stream, err
}

func (g *Gateway) Voices(ctx context.Context) ([]byte, error) {
	start := time.Now()
	body, err := g.synthesizer.Voices(ctx)
	g.observe(ctx, core.ServiceSynthesis, "voices", start, err, nil)
	return body, err
}

func (g *Gateway) observe(ctx context.Context, service core.Service, op string, start time.Time, err error, attrs map[string]interface{}) {
	elapsed := time.Since(start)
	g.metrics.ObserveUpstream(string(service), err, elapsed)

	fields := map[string]interface{}{
		"service":     string(service),
		"op":          op,
		"duration_ms": elapsed.Milliseconds(),
	}
	for k, v := range attrs {
		fields[k] = v
	}
	logger := core.LoggerFromContext(ctx)
	if err == nil {
		logger.With(fields).Info("downstream call completed")
		return
	}

	fields["error"] = err
	var upstream *core.UpstreamError
	if errors.As(err, &upstream) {
		fields["status"] = upstream.Status
		if upstream.Body != "" {
			fields["body"] = upstream.Body
		}
	}
	logger.With(fields).Error("downstream call failed")
}
