// Package config provides the configuration schema, loader, hot-reload
// watcher and LLM provider registry for the voxbooth server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the voxbooth server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// SynthesisMode selects how provider audio reaches the client.
type SynthesisMode string

const (
	// ModeRelay forwards provider fragments unchanged.
	ModeRelay SynthesisMode = "relay"

	// ModeTranscode pipes fragments through an external transcoder.
	ModeTranscode SynthesisMode = "transcode"
)

// IsValid reports whether m is a recognised mode.
func (m SynthesisMode) IsValid() bool {
	return m == ModeRelay || m == ModeTranscode
}

// StoreDriver selects the session store backend.
type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for voxbooth.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Playback     PlaybackConfig     `yaml:"playback"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Store        StoreConfig        `yaml:"store"`
	Events       EventsConfig       `yaml:"events"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins are host patterns accepted on the websocket upgrade,
	// e.g. "kiosk.example.org" or "*.local". Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SynthesisConfig configures the MiniMax T2A provider and the streaming
// pipeline.
type SynthesisConfig struct {
	// APIKey and GroupID are usually supplied through VOXBOOTH_MINIMAX_API_KEY
	// and VOXBOOTH_MINIMAX_GROUP_ID.
	APIKey  string `yaml:"api_key"`
	GroupID string `yaml:"group_id"`

	// WSURL and HTTPBaseURL override the provider endpoints.
	WSURL       string `yaml:"ws_url"`
	HTTPBaseURL string `yaml:"http_base_url"`

	// Model and Speed are the per-session defaults a client may override.
	Model string  `yaml:"model"`
	Speed float64 `yaml:"speed"`

	Volume        float64 `yaml:"volume"`
	Pitch         int     `yaml:"pitch"`
	LanguageBoost string  `yaml:"language_boost"`

	SampleRate int `yaml:"sample_rate"`
	Bitrate    int `yaml:"bitrate"`
	Channels   int `yaml:"channels"`

	// Mode defaults to relay.
	Mode SynthesisMode `yaml:"mode"`

	// Timeout bounds one synthesis request end to end. Default 30s.
	Timeout time.Duration `yaml:"timeout"`

	// TranscoderCommand is the shell-style command line of the transcoder
	// used in transcode mode. It must read stdin and write stdout.
	TranscoderCommand string `yaml:"transcoder_command"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures retries of the provider's HTTP calls.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// PlaybackConfig holds the client jitter-buffer thresholds published at
// GET /api/playback. Zero fields keep the built-in defaults.
type PlaybackConfig struct {
	BufferGoal          time.Duration `yaml:"buffer_goal"`
	LowWater            time.Duration `yaml:"low_water"`
	HighWater           time.Duration `yaml:"high_water"`
	HardLow             time.Duration `yaml:"hard_low"`
	BatchTarget         time.Duration `yaml:"batch_target"`
	BatchMaxBytes       int           `yaml:"batch_max_bytes"`
	UrgentBatchTarget   time.Duration `yaml:"urgent_batch_target"`
	UrgentBatchMaxBytes int           `yaml:"urgent_batch_max_bytes"`
}

// ProvidersConfig selects the language model backends.
type ProvidersConfig struct {
	// LLM is the primary backend. Reply generation is disabled when its
	// Name is empty.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the configuration block of one LLM backend. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g. "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey defaults to VOXBOOTH_LLM_API_KEY for the primary entry.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig configures reply generation.
type ConversationConfig struct {
	SystemPrompt     string  `yaml:"system_prompt"`
	HistoryTurns     int     `yaml:"history_turns"`
	MaxHistoryTokens int     `yaml:"max_history_tokens"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
}

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// DSN is a file path for sqlite and a connection string for postgres.
	// VOXBOOTH_STORE_DSN overrides it.
	DSN string `yaml:"dsn"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	// NATSURL connects to an external NATS server. VOXBOOTH_NATS_URL
	// overrides it.
	NATSURL string `yaml:"nats_url"`

	// Embedded starts an in-process NATS server when NATSURL is empty.
	Embedded     bool `yaml:"embedded"`
	EmbeddedPort int  `yaml:"embedded_port"`

	// SubjectPrefix defaults to "voxbooth".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}
