package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxbooth/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Synthesis:    config.SynthesisConfig{APIKey: "k", Model: "speech-02-turbo"},
		Conversation: config.ConversationConfig{SystemPrompt: "Be kind."},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("Diff of equal configs = %+v, want no change", d)
	}
}

func TestDiff_LiveFields(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Synthesis.Speed = 1.3
	new.Conversation.SystemPrompt = "Be brief."

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.SynthesisDefaultsChanged || d.NewSpeed != 1.3 || d.NewModel != "speech-02-turbo" {
		t.Errorf("synthesis diff = %+v", d)
	}
	if !d.SystemPromptChanged || d.NewSystemPrompt != "Be brief." {
		t.Errorf("prompt diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Synthesis.Timeout = time.Minute
	new.Store.Driver = config.StoreSQLite
	new.Providers.LLM.Name = "ollama"

	d := config.Diff(old, new)
	want := []string{"server", "synthesis", "providers", "store"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.SynthesisDefaultsChanged || d.SystemPromptChanged {
		t.Errorf("live fields flagged: %+v", d)
	}
}
