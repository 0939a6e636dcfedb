package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxbooth/pkg/transcode"
)

// Environment variables that override secrets and endpoints in the file.
const (
	EnvMiniMaxAPIKey  = "VOXBOOTH_MINIMAX_API_KEY"
	EnvMiniMaxGroupID = "VOXBOOTH_MINIMAX_GROUP_ID"
	EnvLLMAPIKey      = "VOXBOOTH_LLM_API_KEY"
	EnvStoreDSN       = "VOXBOOTH_STORE_DSN"
	EnvNATSURL        = "VOXBOOTH_NATS_URL"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultSynthesisSpeed  = 1.0
	DefaultTimeout         = 30 * time.Second
	DefaultEmbeddedPort    = 4222
	DefaultServiceName     = "voxbooth"
)

// ValidLLMNames lists the LLM backends registered by the server binary.
// Used by [Validate] to warn about unrecognised names.
var ValidLLMNames = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// LoadDotEnv loads KEY=value pairs from the given files, or ".env" when
// none are given, without overriding variables already set. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, applies the
// process environment and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields that have a server-wide default. Provider
// audio settings stay zero here; the provider package owns their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Synthesis.Mode == "" {
		cfg.Synthesis.Mode = ModeRelay
	}
	if cfg.Synthesis.Speed == 0 {
		cfg.Synthesis.Speed = DefaultSynthesisSpeed
	}
	if cfg.Synthesis.Timeout == 0 {
		cfg.Synthesis.Timeout = DefaultTimeout
	}
	if cfg.Synthesis.Mode == ModeTranscode && cfg.Synthesis.TranscoderCommand == "" {
		cfg.Synthesis.TranscoderCommand = transcode.DefaultCommand
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Events.EmbeddedPort == 0 {
		cfg.Events.EmbeddedPort = DefaultEmbeddedPort
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "voxbooth"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// ApplyEnv overrides secrets and endpoints with the VOXBOOTH_* variables
// found by lookup. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Synthesis.APIKey, EnvMiniMaxAPIKey)
	set(&cfg.Synthesis.GroupID, EnvMiniMaxGroupID)
	set(&cfg.Store.DSN, EnvStoreDSN)
	set(&cfg.Events.NATSURL, EnvNATSURL)
	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.APIKey == "" {
		set(&cfg.Providers.LLM.APIKey, EnvLLMAPIKey)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	switch cfg.Server.LogFormat {
	case "", LogFormatText, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Synthesis
	s := cfg.Synthesis
	if s.APIKey == "" {
		errs = append(errs, fmt.Errorf("synthesis.api_key is required (or set %s)", EnvMiniMaxAPIKey))
	}
	if s.Mode != "" && !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("synthesis.mode %q is invalid; valid values: relay, transcode", s.Mode))
	}
	if s.Mode == ModeTranscode {
		if _, err := transcode.ParseCommand(s.TranscoderCommand); err != nil {
			errs = append(errs, fmt.Errorf("synthesis.transcoder_command: %w", err))
		}
	}
	if s.Speed != 0 && (s.Speed < 0.5 || s.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("synthesis.speed %.2f is out of range [0.5, 2.0]", s.Speed))
	}
	if s.Volume < 0 || s.Volume > 10 {
		errs = append(errs, fmt.Errorf("synthesis.volume %.2f is out of range [0, 10]", s.Volume))
	}
	if s.Pitch < -12 || s.Pitch > 12 {
		errs = append(errs, fmt.Errorf("synthesis.pitch %d is out of range [-12, 12]", s.Pitch))
	}
	if s.Timeout < 0 {
		errs = append(errs, errors.New("synthesis.timeout must not be negative"))
	}
	if s.Retry.Attempts < 0 || s.Retry.Delay < 0 {
		errs = append(errs, errors.New("synthesis.retry values must not be negative"))
	}

	// Playback
	p := cfg.Playback
	if p.LowWater > 0 && p.HighWater > 0 && p.LowWater >= p.HighWater {
		errs = append(errs, fmt.Errorf("playback.low_water %v must be below playback.high_water %v", p.LowWater, p.HighWater))
	}
	if p.HardLow > 0 && p.LowWater > 0 && p.HardLow > p.LowWater {
		errs = append(errs, fmt.Errorf("playback.hard_low %v must not exceed playback.low_water %v", p.HardLow, p.LowWater))
	}
	if p.BatchMaxBytes < 0 || p.UrgentBatchMaxBytes < 0 {
		errs = append(errs, errors.New("playback batch sizes must not be negative"))
	}

	// Providers
	validateLLMName(cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateLLMName(fb.Name)
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; reply generation is disabled")
	}

	// Conversation
	c := cfg.Conversation
	if c.HistoryTurns < 0 || c.MaxHistoryTokens < 0 || c.MaxTokens < 0 {
		errs = append(errs, errors.New("conversation limits must not be negative"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", c.Temperature))
	}

	// Store
	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver))
	} else if cfg.Store.Driver != StoreMemory && cfg.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for driver %q (or set %s)", cfg.Store.Driver, EnvStoreDSN))
	}

	// Events
	if cfg.Events.EmbeddedPort < -1 || cfg.Events.EmbeddedPort > 65535 {
		errs = append(errs, fmt.Errorf("events.embedded_port %d is out of range", cfg.Events.EmbeddedPort))
	}
	if cfg.Events.NATSURL != "" && cfg.Events.Embedded {
		slog.Warn("events.nats_url is set; the embedded NATS server will not be started")
	}

	return errors.Join(errs...)
}

// validateLLMName logs a warning if name is non-empty and not one of
// [ValidLLMNames].
func validateLLMName(name string) {
	if name == "" || slices.Contains(ValidLLMNames, name) {
		return
	}
	slog.Warn("unknown LLM provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidLLMNames,
	)
}
