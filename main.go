package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"voicegate/controlplane"
	"voicegate/core"
	"voicegate/factories"
)

var version = "dev"

func main() {
	flags := pflag.NewFlagSet("voicegate", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "settings file (.json, .yaml or .yml)")
	listenAddr := flags.String("listen", "", "listen address, overrides listen_addr")
	connectURL := flags.String("connect", "", "WebSocket URL of the control plane (e.g. ws://ui:8888/ws/agent)")
	logLevel := flags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := godotenv.Load(".env.local"); err != nil {
		core.GetLogger().With(map[string]any{"error": err}).Debug("no .env.local file loaded")
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		exitStartup(err)
	}
	if err := settings.ApplyEnv(os.LookupEnv); err != nil {
		exitStartup(err)
	}
	if *listenAddr != "" {
		settings.ListenAddr = *listenAddr
	}
	if *connectURL != "" {
		settings.ControlPlane.ConnectURL = *connectURL
	}
	if *logLevel != "" {
		settings.Log.Level = *logLevel
	}
	if err := settings.Validate(); err != nil {
		exitStartup(err)
	}

	// The control-plane client exists before the logger so log lines can be
	// teed to it; they are buffered until it connects.
	var client *controlplane.Client
	var extra []core.LogWriter
	if settings.ControlPlane.ConnectURL != "" {
		client = controlplane.NewClient(controlplane.ClientConfig{
			ConnectURL:        settings.ControlPlane.ConnectURL,
			AgentID:           agentID(settings.ControlPlane.AgentID),
			Version:           version,
			Metadata:          map[string]string{"listen_addr": settings.ListenAddr},
			HeartbeatInterval: settings.ControlPlane.HeartbeatInterval.Std(),
		})
		extra = append(extra, controlplane.NewWSLogWriter(client))
	}

	logger, closeLog, err := factories.BuildLogger(settings.Log, os.Stdout, extra...)
	if err != nil {
		exitStartup(err)
	}
	defer closeLog()
	core.SetLogger(*logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := factories.Build(ctx, settings, logger)
	if err != nil {
		exitStartup(err)
	}

	if client != nil {
		client.Attach(app.Store, app.Router.Routes(), logger)
		client.OnShutdown = func(reason string) {
			client.SetStatus(controlplane.StatusDraining)
			stop()
		}
		if err := client.Connect(ctx); err != nil {
			logger.With(map[string]any{"error": err}).Error("failed to connect to control plane")
			app.Store.Close(context.Background())
			os.Exit(1)
		}
		defer client.Close()

		// A configured control plane owns the process: losing it stops the service.
		go func() {
			select {
			case <-client.Done():
				if ctx.Err() == nil {
					logger.Warn("control plane connection closed, shutting down")
				}
				stop()
			case <-ctx.Done():
			}
		}()
	}

	if err := app.Run(ctx); err != nil {
		logger.With(map[string]any{"error": err}).Error("voicegate stopped with error")
		closeLog()
		os.Exit(1)
	}
	logger.Info("voicegate stopped")
}

// loadSettings reads the settings file named by the flag, SETTINGS_PATH,
// or the base64 JSON in SETTINGS_JSON_B64, in that order. With none of
// them set the defaults are used.
func loadSettings(path string) (factories.Settings, error) {
	if path == "" {
		path = getEnv("SETTINGS_PATH", "")
	}
	if path != "" {
		return factories.SettingsFromFile(path)
	}
	if b64 := os.Getenv("SETTINGS_JSON_B64"); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return factories.DefaultSettings(), fmt.Errorf("settings: decode SETTINGS_JSON_B64: %w", err)
		}
		return factories.SettingsFromJSON(data)
	}
	return factories.DefaultSettings(), nil
}

// agentID falls back to the hostname when no id is configured.
func agentID(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, _ := os.Hostname()
	return hostname
}

// exitStartup reports every configuration problem and exits before any
// traffic is served.
func exitStartup(err error) {
	logger := core.GetLogger()
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			logger.With(map[string]any{"error": e}).Error("invalid configuration")
		}
	} else {
		logger.With(map[string]any{"error": err}).Error("startup failed")
	}
	os.Exit(1)
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
