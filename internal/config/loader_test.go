package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbooth/internal/config"
	"github.com/MrWong99/voxbooth/pkg/transcode"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  log_format: json
  allowed_origins: ["kiosk.local"]
  shutdown_timeout: 5s
synthesis:
  api_key: mm-key
  group_id: "1234"
  model: speech-02-hd
  speed: 1.2
  mode: transcode
  timeout: 20s
  transcoder_command: "ffmpeg -i pipe:0 -f webm pipe:1"
  retry:
    attempts: 5
    delay: 250ms
playback:
  buffer_goal: 1s
  low_water: 300ms
  high_water: 1500ms
  batch_max_bytes: 65536
providers:
  llm:
    name: openai
    model: gpt-4o-mini
  llm_fallbacks:
    - name: anthropic
      model: claude-3-5-haiku-latest
conversation:
  system_prompt: "You are a cheerful museum guide."
  history_turns: 12
  temperature: 0.7
store:
  driver: sqlite
  dsn: /var/lib/voxbooth/sessions.db
events:
  embedded: true
  embedded_port: -1
telemetry:
  stdout_traces: true
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %v, want 5s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Synthesis.Mode != config.ModeTranscode || cfg.Synthesis.Speed != 1.2 {
		t.Errorf("synthesis = %+v", cfg.Synthesis)
	}
	if cfg.Synthesis.Retry.Delay != 250*time.Millisecond || cfg.Synthesis.Retry.Attempts != 5 {
		t.Errorf("retry = %+v", cfg.Synthesis.Retry)
	}
	if cfg.Playback.HighWater != 1500*time.Millisecond {
		t.Errorf("high_water = %v", cfg.Playback.HighWater)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Store.Driver != config.StoreSQLite {
		t.Errorf("store driver = %q", cfg.Store.Driver)
	}
	if cfg.Events.EmbeddedPort != -1 || cfg.Events.SubjectPrefix != "voxbooth" {
		t.Errorf("events = %+v", cfg.Events)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("synthesis:\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"log_format", cfg.Server.LogFormat, config.LogFormatText},
		{"mode", cfg.Synthesis.Mode, config.ModeRelay},
		{"speed", cfg.Synthesis.Speed, config.DefaultSynthesisSpeed},
		{"timeout", cfg.Synthesis.Timeout, config.DefaultTimeout},
		{"store", cfg.Store.Driver, config.StoreMemory},
		{"embedded_port", cfg.Events.EmbeddedPort, config.DefaultEmbeddedPort},
		{"service_name", cfg.Telemetry.ServiceName, config.DefaultServiceName},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestApplyDefaults_TranscoderCommand(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Synthesis: config.SynthesisConfig{Mode: config.ModeTranscode}}
	config.ApplyDefaults(cfg)
	if cfg.Synthesis.TranscoderCommand != transcode.DefaultCommand {
		t.Errorf("transcoder_command = %q, want default", cfg.Synthesis.TranscoderCommand)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("synthesis:\n  api_key: k\n  voice: alloy\n"))
	if err == nil || !strings.Contains(err.Error(), "voice") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"missing api key", func(c *config.Config) { c.Synthesis.APIKey = "" }, "synthesis.api_key"},
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"bad log format", func(c *config.Config) { c.Server.LogFormat = "xml" }, "server.log_format"},
		{"half tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"bad mode", func(c *config.Config) { c.Synthesis.Mode = "pipe" }, "synthesis.mode"},
		{"unparsable transcoder", func(c *config.Config) {
			c.Synthesis.Mode = config.ModeTranscode
			c.Synthesis.TranscoderCommand = `ffmpeg "unterminated`
		}, "synthesis.transcoder_command"},
		{"speed too fast", func(c *config.Config) { c.Synthesis.Speed = 3 }, "synthesis.speed"},
		{"pitch", func(c *config.Config) { c.Synthesis.Pitch = 20 }, "synthesis.pitch"},
		{"water marks", func(c *config.Config) {
			c.Playback.LowWater = 2 * time.Second
			c.Playback.HighWater = time.Second
		}, "playback.low_water"},
		{"hard low", func(c *config.Config) {
			c.Playback.LowWater = 300 * time.Millisecond
			c.Playback.HardLow = 400 * time.Millisecond
		}, "playback.hard_low"},
		{"fallback without primary", func(c *config.Config) {
			c.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "ollama"}}
		}, "requires providers.llm"},
		{"unnamed fallback", func(c *config.Config) {
			c.Providers.LLM = config.ProviderEntry{Name: "openai"}
			c.Providers.LLMFallbacks = []config.ProviderEntry{{Model: "x"}}
		}, "llm_fallbacks[0].name"},
		{"temperature", func(c *config.Config) { c.Conversation.Temperature = 2.5 }, "conversation.temperature"},
		{"bad driver", func(c *config.Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = config.StorePostgres }, "store.dsn"},
		{"port", func(c *config.Config) { c.Events.EmbeddedPort = 70000 }, "events.embedded_port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &config.Config{Synthesis: config.SynthesisConfig{APIKey: "k"}}
			config.ApplyDefaults(cfg)
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Store.Driver = "redis"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("want error")
	}
	for _, want := range []string{"synthesis.api_key", "server.log_level", "store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		config.EnvMiniMaxAPIKey:  "env-key",
		config.EnvMiniMaxGroupID: "env-group",
		config.EnvLLMAPIKey:      "llm-key",
		config.EnvStoreDSN:       "postgres://db/voxbooth",
		config.EnvNATSURL:        "nats://bus:4222",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &config.Config{}
	cfg.Synthesis.APIKey = "file-key"
	cfg.Providers.LLM.Name = "openai"
	config.ApplyEnv(cfg, lookup)

	if cfg.Synthesis.APIKey != "env-key" || cfg.Synthesis.GroupID != "env-group" {
		t.Errorf("synthesis = %+v", cfg.Synthesis)
	}
	if cfg.Providers.LLM.APIKey != "llm-key" {
		t.Errorf("llm api key = %q", cfg.Providers.LLM.APIKey)
	}
	if cfg.Store.DSN != "postgres://db/voxbooth" || cfg.Events.NATSURL != "nats://bus:4222" {
		t.Errorf("store/events = %+v / %+v", cfg.Store, cfg.Events)
	}

	// An explicit LLM key in the file wins.
	cfg = &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "openai", APIKey: "file"}
	config.ApplyEnv(cfg, lookup)
	if cfg.Providers.LLM.APIKey != "file" {
		t.Errorf("llm api key = %q, want file", cfg.Providers.LLM.APIKey)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "VOXBOOTH_TEST_DOTENV=from-file\n")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}

	t.Setenv("VOXBOOTH_TEST_DOTENV", "")
	os.Unsetenv("VOXBOOTH_TEST_DOTENV")
	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("VOXBOOTH_TEST_DOTENV"); got != "from-file" {
		t.Errorf("VOXBOOTH_TEST_DOTENV = %q, want from-file", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv(config.EnvMiniMaxAPIKey, "example-key")

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "voxbooth.example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Synthesis.Mode != config.ModeRelay {
		t.Errorf("Synthesis.Mode = %q, want %q", cfg.Synthesis.Mode, config.ModeRelay)
	}
	if cfg.Store.Driver != config.StoreSQLite {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, config.StoreSQLite)
	}
	if cfg.Playback.BufferGoal != 1150*time.Millisecond {
		t.Errorf("Playback.BufferGoal = %v, want 1.15s", cfg.Playback.BufferGoal)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q.IsValid() = false", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace".IsValid() = true`)
	}
	if got := config.LogWarn.Level().String(); got != "WARN" {
		t.Errorf("LogWarn.Level() = %s, want WARN", got)
	}
	if got := config.LogLevel("").Level().String(); got != "INFO" {
		t.Errorf("empty Level() = %s, want INFO", got)
	}
}
