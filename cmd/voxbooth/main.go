// Command voxbooth is the main entry point for the voxbooth kiosk server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbooth/internal/app"
	"github.com/MrWong99/voxbooth/internal/config"
	"github.com/MrWong99/voxbooth/pkg/provider/llm"
	"github.com/MrWong99/voxbooth/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxbooth/pkg/provider/llm/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxbooth.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	// Bootstrap logger until the config names a level and format.
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level, config.LogFormatText))

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "voxbooth: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher performs the initial load; its callback is only invoked from
	// Run, which starts after the application exists.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config, diff config.ConfigDiff) {
		application.Reload(old, next, diff)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbooth: config file %q not found; copy configs/voxbooth.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbooth: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level, cfg.Server.LogFormat))

	slog.Info("voxbooth starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	lm, err := app.BuildLLM(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, &app.Providers{LLM: lm},
		app.WithLogLevel(level),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	runErr := g.Wait()
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the LLM factories that ship with voxbooth
// into reg. "openai" uses the official SDK; the rest go through any-llm.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if raw := config.OptString(entry.Options, "timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("openai: options.timeout: %w", err)
			}
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// These share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxbooth startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Synthesis", cfg.Synthesis.Model, "(provider default)")
	printRow("Mode", string(cfg.Synthesis.Mode), "")
	if cfg.Providers.LLM.Name != "" {
		printRow("LLM", cfg.Providers.LLM.Name+" / "+cfg.Providers.LLM.Model, "")
	} else {
		printRow("LLM", "", "(not configured)")
	}
	printRow("Store", string(cfg.Store.Driver), "")
	switch {
	case cfg.Events.NATSURL != "":
		printRow("Events", "nats", "")
	case cfg.Events.Embedded:
		printRow("Events", "embedded nats", "")
	default:
		printRow("Events", "", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value, fallback string) {
	if value == "" {
		value = fallback
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
