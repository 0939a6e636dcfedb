package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxbooth/internal/config"
	"github.com/MrWong99/voxbooth/internal/resilience"
	"github.com/MrWong99/voxbooth/pkg/provider/llm"
)

// BuildLLM instantiates the configured language model through reg. It returns
// nil without error when no LLM is configured. Fallback entries that name an
// unregistered backend are skipped with a warning; when at least one
// fallback is built, the result is wrapped in a circuit-breaking
// [resilience.LLMFallback].
func BuildLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	entry := cfg.Providers.LLM
	if entry.Name == "" {
		return nil, nil
	}
	primary, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

	if len(cfg.Providers.LLMFallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
	added := 0
	for _, fb := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("llm fallback not registered, skipping", "name", fb.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
		added++
	}
	if added == 0 {
		return primary, nil
	}
	slog.Info("llm fallback chain ready", "backends", group.Backends())
	return group, nil
}
