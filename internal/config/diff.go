package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log
// level, the synthesis defaults and the system prompt are applied live;
// every other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SynthesisDefaultsChanged is set when synthesis.model or
	// synthesis.speed changed.
	SynthesisDefaultsChanged bool
	NewModel                 string
	NewSpeed                 float64

	SystemPromptChanged bool
	NewSystemPrompt     string

	// RestartRequired names the top-level sections whose other changes
	// only take effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SynthesisDefaultsChanged || d.SystemPromptChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Synthesis.Model != new.Synthesis.Model || old.Synthesis.Speed != new.Synthesis.Speed {
		d.SynthesisDefaultsChanged = true
		d.NewModel = new.Synthesis.Model
		d.NewSpeed = new.Synthesis.Speed
	}
	if old.Conversation.SystemPrompt != new.Conversation.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Conversation.SystemPrompt
	}

	// Compare the remaining fields with the live ones masked out.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldSynth, newSynth := old.Synthesis, new.Synthesis
	oldSynth.Model, newSynth.Model = "", ""
	oldSynth.Speed, newSynth.Speed = 0, 0
	oldConv, newConv := old.Conversation, new.Conversation
	oldConv.SystemPrompt, newConv.SystemPrompt = "", ""

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"synthesis", oldSynth, newSynth},
		{"playback", old.Playback, new.Playback},
		{"providers", old.Providers, new.Providers},
		{"conversation", oldConv, newConv},
		{"store", old.Store, new.Store},
		{"events", old.Events, new.Events},
		{"telemetry", old.Telemetry, new.Telemetry},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
