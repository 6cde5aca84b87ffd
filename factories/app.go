package factories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voicegate/conversation"
	"voicegate/core"
	"voicegate/gateway"
	"voicegate/metrics"
	"voicegate/server"
)

// App is the assembled service: the conversation store, the downstream
// gateway and the HTTP surface in front of them.
type App struct {
	Settings Settings
	Logger   *core.Logger
	Metrics  *metrics.Metrics
	Store    *conversation.Store
	Gateway  *gateway.Gateway
	Router   *server.Router
	Server   *server.HTTPServer
}

// Build validates s and wires every component. Nothing is started and no
// traffic is served until Run.
func Build(ctx context.Context, s Settings, logger *core.Logger) (*App, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	var m *metrics.Metrics
	if s.Metrics {
		m = metrics.New()
	}

	store, err := BuildStore(ctx, s, logger, m)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(
		BuildTranscriber(s.Transcription),
		BuildCompleter(s.Inference),
		BuildSynthesizer(s.Synthesis),
		m,
	)

	router := server.NewRouter(server.Options{
		Store:   store,
		Backend: gw,
		Limits: server.Limits{
			MaxChatChars:   s.Limits.MaxChatChars,
			MaxSpeechChars: s.Limits.MaxSpeechChars,
			MaxUploadBytes: s.Limits.MaxUploadBytes,
		},
		DefaultSession: s.Conversation.DefaultSession,
		Logger:         logger,
		Metrics:        m,
	})

	return &App{
		Settings: s,
		Logger:   logger,
		Metrics:  m,
		Store:    store,
		Gateway:  gw,
		Router:   router,
		Server:   server.NewHTTPServer(s.ListenAddr, router, s.ShutdownTimeout.Std(), logger),
	}, nil
}

// Run starts the store's background jobs and serves HTTP until ctx is
// cancelled, then flushes and closes the store.
func (a *App) Run(ctx context.Context) error {
	a.Store.Start()

	llm := LLMConfig(a.Settings.Inference)
	a.Logger.With(map[string]interface{}{
		"listen_addr":   a.Settings.ListenAddr,
		"transcription": a.Settings.Transcription.BaseURL,
		"inference":     llm.BaseURL,
		"model":         llm.Model,
		"synthesis":     a.Settings.Synthesis.BaseURL,
		"persistence":   a.Settings.Persistence.Driver,
		"max_context":   a.Settings.Conversation.MaxContext,
	}).Info("voicegate starting")

	serveErr := a.Server.Serve(ctx)

	closeTimeout := a.Settings.ShutdownTimeout.Std()
	if closeTimeout <= 0 {
		closeTimeout = 10 * time.Second
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var closeErr error
	if err := a.Store.Close(closeCtx); err != nil {
		closeErr = fmt.Errorf("close store: %w", err)
		a.Logger.With(map[string]interface{}{"error": err}).Error("conversation store did not close cleanly")
	}
	return errors.Join(serveErr, closeErr)
}
