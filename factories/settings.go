package factories

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"voicegate/conversation"
	"voicegate/core"
	"voicegate/server"
	kokorotts "voicegate/services/kokoro/tts"
	openaistt "voicegate/services/openai/stt"
)

// Persistence drivers.
const (
	DriverNone  = "none"
	DriverRedis = "redis"
	DriverBolt  = "bolt"
)

// Speed bounds accepted by the synthesis backend.
const (
	minSpeed = 0.25
	maxSpeed = 4.0
)

// Duration is a time.Duration that reads "30s"-style strings or a bare
// number of seconds from settings files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("duration: unsupported value %v", raw)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(time.Duration(d).String())
}

type TranscriptionSettings struct {
	BaseURL  string   `json:"base_url" yaml:"base_url"`
	APIKey   string   `json:"api_key,omitempty" yaml:"api_key"`
	Model    string   `json:"model" yaml:"model"`
	Language string   `json:"language,omitempty" yaml:"language"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// InferenceSettings selects the chat backend. Provider picks a hosted
// OpenAI-compatible endpoint; an explicit BaseURL always wins.
type InferenceSettings struct {
	Provider     string   `json:"provider,omitempty" yaml:"provider"`
	BaseURL      string   `json:"base_url,omitempty" yaml:"base_url"`
	APIKey       string   `json:"api_key,omitempty" yaml:"api_key"`
	Model        string   `json:"model,omitempty" yaml:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	MaxTokens    int      `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature  float32  `json:"temperature" yaml:"temperature"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
}

type SynthesisSettings struct {
	BaseURL       string   `json:"base_url" yaml:"base_url"`
	Model         string   `json:"model" yaml:"model"`
	DefaultVoice  string   `json:"default_voice" yaml:"default_voice"`
	Speed         float64  `json:"speed" yaml:"speed"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	StreamTimeout Duration `json:"stream_timeout" yaml:"stream_timeout"`
}

type ConversationSettings struct {
	MaxContext       int      `json:"max_context" yaml:"max_context"`
	TriggerFraction  float64  `json:"trigger_fraction" yaml:"trigger_fraction"`
	TargetFraction   float64  `json:"target_fraction" yaml:"target_fraction"`
	TTL              Duration `json:"ttl" yaml:"ttl"`
	EvictionInterval Duration `json:"eviction_interval" yaml:"eviction_interval"`
	MaxTurnChars     int      `json:"max_turn_chars" yaml:"max_turn_chars"`
	DefaultSession   string   `json:"default_session" yaml:"default_session"`
	ReapSchedule     string   `json:"reap_schedule" yaml:"reap_schedule"`
}

type PersistenceSettings struct {
	Driver        string   `json:"driver" yaml:"driver"`
	RedisAddr     string   `json:"redis_addr,omitempty" yaml:"redis_addr"`
	RedisPassword string   `json:"redis_password,omitempty" yaml:"redis_password"`
	RedisDB       int      `json:"redis_db,omitempty" yaml:"redis_db"`
	RedisKeyTTL   Duration `json:"redis_key_ttl,omitempty" yaml:"redis_key_ttl"`
	BoltPath      string   `json:"bolt_path,omitempty" yaml:"bolt_path"`
	FlushSchedule string   `json:"flush_schedule" yaml:"flush_schedule"`
}

type LimitsSettings struct {
	MaxChatChars   int   `json:"max_chat_chars" yaml:"max_chat_chars"`
	MaxSpeechChars int   `json:"max_speech_chars" yaml:"max_speech_chars"`
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

type LogSettings struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	File   string `json:"file,omitempty" yaml:"file"`
}

// ControlPlaneSettings enables the optional outbound control-plane
// connection when ConnectURL is set.
type ControlPlaneSettings struct {
	ConnectURL        string   `json:"connect_url,omitempty" yaml:"connect_url"`
	AgentID           string   `json:"agent_id,omitempty" yaml:"agent_id"`
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval"`
}

// Settings is the whole process configuration. It is loaded once at
// startup and passed by value into the builders; nothing else reads the
// environment.
type Settings struct {
	ListenAddr      string   `json:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Metrics         bool     `json:"metrics" yaml:"metrics"`

	Transcription TranscriptionSettings `json:"transcription" yaml:"transcription"`
	Inference     InferenceSettings     `json:"inference" yaml:"inference"`
	Synthesis     SynthesisSettings     `json:"synthesis" yaml:"synthesis"`
	Conversation  ConversationSettings  `json:"conversation" yaml:"conversation"`
	Persistence   PersistenceSettings   `json:"persistence" yaml:"persistence"`
	Limits        LimitsSettings        `json:"limits" yaml:"limits"`
	Log           LogSettings           `json:"log" yaml:"log"`
	ControlPlane  ControlPlaneSettings  `json:"controlplane" yaml:"controlplane"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() Settings {
	stt := openaistt.DefaultConfig()
	tts := kokorotts.DefaultConfig()
	return Settings{
		ListenAddr:      ":8000",
		ShutdownTimeout: Duration(15 * time.Second),
		Metrics:         true,
		Transcription: TranscriptionSettings{
			BaseURL: stt.BaseURL,
			Model:   stt.Model,
			Timeout: Duration(stt.Timeout),
		},
		Inference: InferenceSettings{
			Temperature: 0.7,
			Timeout:     Duration(60 * time.Second),
		},
		Synthesis: SynthesisSettings{
			BaseURL:       tts.BaseURL,
			Model:         tts.Model,
			DefaultVoice:  tts.DefaultVoice,
			Speed:         tts.Speed,
			Timeout:       Duration(tts.Timeout),
			StreamTimeout: Duration(tts.StreamTimeout),
		},
		Conversation: ConversationSettings{
			MaxContext:       conversation.DefaultMaxContext,
			TriggerFraction:  conversation.DefaultTriggerFraction,
			TargetFraction:   conversation.DefaultTargetFraction,
			TTL:              Duration(conversation.DefaultTTL),
			EvictionInterval: Duration(conversation.DefaultEvictionInterval),
			MaxTurnChars:     conversation.DefaultMaxTurnChars,
			DefaultSession:   conversation.DefaultSession,
			ReapSchedule:     conversation.DefaultReapSchedule,
		},
		Persistence: PersistenceSettings{
			Driver:        DriverNone,
			RedisAddr:     "localhost:6379",
			BoltPath:      "./data/conversations.db",
			FlushSchedule: conversation.DefaultFlushSchedule,
		},
		Limits: LimitsSettings{
			MaxChatChars:   server.DefaultMaxChatChars,
			MaxSpeechChars: server.DefaultMaxSpeechChars,
			MaxUploadBytes: server.DefaultMaxUploadBytes,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// SettingsFromJSON overlays a JSON document on DefaultSettings.
func SettingsFromJSON(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := sonic.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("settings: %w", err)
	}
	return s, nil
}

// SettingsFromYAML overlays a YAML document on DefaultSettings.
func SettingsFromYAML(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("settings: %w", err)
	}
	return s, nil
}

// SettingsFromFile reads path as YAML when it ends in .yaml or .yml and as
// JSON otherwise.
func SettingsFromFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettings(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return SettingsFromYAML(data)
	default:
		return SettingsFromJSON(data)
	}
}

// envOverrides maps environment variables onto settings fields.
var envOverrides = []struct {
	key   string
	apply func(s *Settings, v string) error
}{
	{"LISTEN_ADDR", func(s *Settings, v string) error { s.ListenAddr = v; return nil }},
	{"WHISPER_URL", func(s *Settings, v string) error { s.Transcription.BaseURL = v; return nil }},
	{"WHISPER_MODEL", func(s *Settings, v string) error { s.Transcription.Model = v; return nil }},
	{"WHISPER_LANGUAGE", func(s *Settings, v string) error { s.Transcription.Language = v; return nil }},
	{"STT_API_KEY", func(s *Settings, v string) error { s.Transcription.APIKey = v; return nil }},
	{"LLM_PROVIDER", func(s *Settings, v string) error { s.Inference.Provider = v; return nil }},
	{"LLM_URL", func(s *Settings, v string) error { s.Inference.BaseURL = v; return nil }},
	{"LLM_API_KEY", func(s *Settings, v string) error { s.Inference.APIKey = v; return nil }},
	{"LLM_MODEL", func(s *Settings, v string) error { s.Inference.Model = v; return nil }},
	{"SYSTEM_PROMPT", func(s *Settings, v string) error { s.Inference.SystemPrompt = v; return nil }},
	{"KOKORO_URL", func(s *Settings, v string) error { s.Synthesis.BaseURL = v; return nil }},
	{"DEFAULT_VOICE", func(s *Settings, v string) error { s.Synthesis.DefaultVoice = v; return nil }},
	{"TTS_SPEED", func(s *Settings, v string) error { return parseFloat(v, &s.Synthesis.Speed) }},
	{"MAX_CONTEXT", func(s *Settings, v string) error { return parseInt(v, &s.Conversation.MaxContext) }},
	{"CONTEXT_TRIGGER", func(s *Settings, v string) error { return parseFloat(v, &s.Conversation.TriggerFraction) }},
	{"CONTEXT_TARGET", func(s *Settings, v string) error { return parseFloat(v, &s.Conversation.TargetFraction) }},
	{"MESSAGE_TTL", func(s *Settings, v string) error { return parseDuration(v, &s.Conversation.TTL) }},
	{"PERSISTENCE_DRIVER", func(s *Settings, v string) error { s.Persistence.Driver = v; return nil }},
	{"REDIS_ADDR", func(s *Settings, v string) error { s.Persistence.RedisAddr = v; return nil }},
	{"REDIS_PASSWORD", func(s *Settings, v string) error { s.Persistence.RedisPassword = v; return nil }},
	{"BOLT_PATH", func(s *Settings, v string) error { s.Persistence.BoltPath = v; return nil }},
	{"LOG_LEVEL", func(s *Settings, v string) error { s.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(s *Settings, v string) error { s.Log.Format = v; return nil }},
	{"LOG_FILE", func(s *Settings, v string) error { s.Log.File = v; return nil }},
	{"CONNECT_URL", func(s *Settings, v string) error { s.ControlPlane.ConnectURL = v; return nil }},
	{"AGENT_ID", func(s *Settings, v string) error { s.ControlPlane.AgentID = v; return nil }},
}

// ApplyEnv overrides fields from lookup (os.LookupEnv in main). Empty
// values are ignored. A value that does not parse is a StartupConfigError.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(s, v); err != nil {
			errs = append(errs, &core.StartupConfigError{Key: o.key, Reason: err.Error()})
		}
	}
	if s.Inference.APIKey == "" {
		if key, ok := providerKeyEnv[s.Inference.Provider]; ok {
			if v, found := lookup(key); found {
				s.Inference.APIKey = v
			}
		}
	}
	return errors.Join(errs...)
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseDuration(v string, dst *Duration) error {
	// Bare numbers are seconds, matching the file format.
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = Duration(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}

// Validate checks every setting and returns all problems joined, each a
// *core.StartupConfigError.
func (s Settings) Validate() error {
	var errs []error
	bad := func(key, format string, args ...interface{}) {
		errs = append(errs, &core.StartupConfigError{Key: key, Reason: fmt.Sprintf(format, args...)})
	}

	if s.ListenAddr == "" {
		bad("listen_addr", "is required")
	}
	if s.ShutdownTimeout < 0 {
		bad("shutdown_timeout", "must not be negative")
	}

	checkURL := func(key, raw string, required bool, schemes ...string) {
		if raw == "" {
			if required {
				bad(key, "is required")
			}
			return
		}
		u, err := url.Parse(raw)
		if err != nil {
			bad(key, "%v", err)
			return
		}
		for _, scheme := range schemes {
			if u.Scheme == scheme && u.Host != "" {
				return
			}
		}
		bad(key, "must be an absolute %s URL", strings.Join(schemes, " or "))
	}
	positive := func(key string, d Duration) {
		if d <= 0 {
			bad(key, "must be positive")
		}
	}

	checkURL("transcription.base_url", s.Transcription.BaseURL, true, "http", "https")
	positive("transcription.timeout", s.Transcription.Timeout)

	if s.Inference.Provider != "" {
		if _, ok := providerPresets[s.Inference.Provider]; !ok {
			bad("inference.provider", "unknown provider %q", s.Inference.Provider)
		}
	}
	checkURL("inference.base_url", s.Inference.BaseURL, false, "http", "https")
	if s.Inference.MaxTokens < 0 {
		bad("inference.max_tokens", "must not be negative")
	}
	if s.Inference.Temperature < 0 || s.Inference.Temperature > 2 {
		bad("inference.temperature", "must be within [0, 2]")
	}
	positive("inference.timeout", s.Inference.Timeout)

	checkURL("synthesis.base_url", s.Synthesis.BaseURL, true, "http", "https")
	if s.Synthesis.DefaultVoice == "" {
		bad("synthesis.default_voice", "is required")
	}
	if math.IsNaN(s.Synthesis.Speed) || s.Synthesis.Speed < minSpeed || s.Synthesis.Speed > maxSpeed {
		bad("synthesis.speed", "must be within [%g, %g]", minSpeed, maxSpeed)
	}
	positive("synthesis.timeout", s.Synthesis.Timeout)
	positive("synthesis.stream_timeout", s.Synthesis.StreamTimeout)

	c := s.Conversation
	if _, err := conversation.NewBudgeter(c.MaxContext, c.TriggerFraction, c.TargetFraction); err != nil {
		errs = append(errs, err)
	}
	positive("conversation.ttl", c.TTL)
	positive("conversation.eviction_interval", c.EvictionInterval)
	if c.MaxTurnChars <= 0 {
		bad("conversation.max_turn_chars", "must be positive")
	}
	if strings.TrimSpace(c.DefaultSession) == "" {
		bad("conversation.default_session", "is required")
	}
	if _, err := cron.ParseStandard(c.ReapSchedule); err != nil {
		bad("conversation.reap_schedule", "%v", err)
	}

	p := s.Persistence
	switch p.Driver {
	case DriverNone, "":
	case DriverRedis:
		if p.RedisAddr == "" {
			bad("persistence.redis_addr", "is required for the redis driver")
		}
		if p.RedisKeyTTL < 0 {
			bad("persistence.redis_key_ttl", "must not be negative")
		}
	case DriverBolt:
		if p.BoltPath == "" {
			bad("persistence.bolt_path", "is required for the bolt driver")
		}
	default:
		bad("persistence.driver", "must be one of none, redis, bolt; got %q", p.Driver)
	}
	if p.Driver == DriverRedis || p.Driver == DriverBolt {
		if _, err := cron.ParseStandard(p.FlushSchedule); err != nil {
			bad("persistence.flush_schedule", "%v", err)
		}
	}

	if s.Limits.MaxChatChars <= 0 {
		bad("limits.max_chat_chars", "must be positive")
	}
	if s.Limits.MaxSpeechChars <= 0 {
		bad("limits.max_speech_chars", "must be positive")
	}
	if s.Limits.MaxUploadBytes <= 0 {
		bad("limits.max_upload_bytes", "must be positive")
	}

	if _, err := core.ParseLevel(s.Log.Level); err != nil {
		bad("log.level", "%v", err)
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		bad("log.format", "must be text or json; got %q", s.Log.Format)
	}

	checkURL("controlplane.connect_url", s.ControlPlane.ConnectURL, false, "ws", "wss")
	if s.ControlPlane.HeartbeatInterval < 0 {
		bad("controlplane.heartbeat_interval", "must not be negative")
	}

	return errors.Join(errs...)
}
