package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbooth/internal/app"
	"github.com/MrWong99/voxbooth/internal/config"
	"github.com/MrWong99/voxbooth/internal/events"
	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/internal/session"
	"github.com/MrWong99/voxbooth/pkg/memory"
	memorymock "github.com/MrWong99/voxbooth/pkg/memory/mock"
	"github.com/MrWong99/voxbooth/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxbooth/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/voxbooth/pkg/provider/tts/mock"
)

// testConfig returns a minimal valid config listening on a random port.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Synthesis: config.SynthesisConfig{APIKey: "test-key", Model: "speech-02-turbo"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// newTestApp builds an App with mock providers and an in-memory store.
func newTestApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	if providers == nil {
		providers = &app.Providers{TTS: &ttsmock.Streamer{}}
	}
	opts = append([]app.Option{
		app.WithSessionStore(memory.NewMemStore()),
		app.WithPublisher(events.Nop{}),
		app.WithMetrics(observe.DefaultMetrics()),
	}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), nil)

	if got := serve(t, a.Handler(), http.MethodGet, "/healthz", "").Code; got != http.StatusOK {
		t.Errorf("GET /healthz = %d, want %d", got, http.StatusOK)
	}
	if got := serve(t, a.Handler(), http.MethodGet, "/readyz", "").Code; got != http.StatusOK {
		t.Errorf("GET /readyz = %d, want %d", got, http.StatusOK)
	}
	if got := serve(t, a.Handler(), http.MethodPost, "/api/sessions", "").Code; got != http.StatusCreated {
		t.Errorf("POST /api/sessions = %d, want %d", got, http.StatusCreated)
	}
	if got := serve(t, a.Handler(), http.MethodGet, "/api/playback", "").Code; got != http.StatusOK {
		t.Errorf("GET /api/playback = %d, want %d", got, http.StatusOK)
	}
}

func TestNew_ReadyzReportsStoreFailure(t *testing.T) {
	t.Parallel()

	store := &memorymock.SessionStore{PingErr: errors.New("connection refused")}
	a := newTestApp(t, testConfig(), nil, app.WithSessionStore(store))

	rec := serve(t, a.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /readyz = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body = %s, want the store error", rec.Body.String())
	}
}

func TestNew_ReplyNeedsLLM(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		llm  llm.Provider
		want int
	}{
		{name: "disabled", llm: nil, want: http.StatusNotImplemented},
		{name: "enabled", llm: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hello there."}}, want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := newTestApp(t, testConfig(), &app.Providers{LLM: tc.llm, TTS: &ttsmock.Streamer{}})

			rec := serve(t, a.Handler(), http.MethodPost, "/api/sessions", "")
			if rec.Code != http.StatusCreated {
				t.Fatalf("POST /api/sessions = %d", rec.Code)
			}
			id := sessionID(t, rec.Body.String())

			got := serve(t, a.Handler(), http.MethodPost, "/api/sessions/"+id+"/reply", `{"text":"hi"}`).Code
			if got != tc.want {
				t.Errorf("POST reply = %d, want %d", got, tc.want)
			}
		})
	}
}

// sessionID extracts the id from a createSession response body without
// depending on the full view shape.
func sessionID(t *testing.T, body string) string {
	t.Helper()
	const key = `"id":"`
	i := strings.Index(body, key)
	if i < 0 {
		t.Fatalf("no id in %s", body)
	}
	rest := body[i+len(key):]
	return rest[:strings.IndexByte(rest, '"')]
}

func TestNew_BuildsMiniMaxProvider(t *testing.T) {
	t.Parallel()

	// Without an injected streamer the MiniMax provider backs voice cloning,
	// so the endpoint is configured and rejects the empty upload itself.
	a := newTestApp(t, testConfig(), &app.Providers{})

	rec := serve(t, a.Handler(), http.MethodPost, "/api/sessions", "")
	id := sessionID(t, rec.Body.String())

	got := serve(t, a.Handler(), http.MethodPost, "/api/sessions/"+id+"/voice", "").Code
	if got != http.StatusBadRequest {
		t.Errorf("POST voice = %d, want %d", got, http.StatusBadRequest)
	}
}

func TestNew_MissingTranscoderFailsReadiness(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Synthesis.Mode = config.ModeTranscode
	cfg.Synthesis.TranscoderCommand = "voxbooth-no-such-transcoder -i pipe:0 pipe:1"

	a := newTestApp(t, cfg, nil)
	if a.Sessions().Mode() != session.ModeTranscode {
		t.Errorf("Mode() = %q, want %q", a.Sessions().Mode(), session.ModeTranscode)
	}
	rec := serve(t, a.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "transcoder") {
		t.Errorf("body = %s, want a transcoder check", rec.Body.String())
	}
}

func TestNew_EmbeddedEvents(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Events.Embedded = true
	cfg.Events.EmbeddedPort = -1

	a, err := app.New(context.Background(), cfg, &app.Providers{TTS: &ttsmock.Streamer{}},
		app.WithSessionStore(memory.NewMemStore()),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rec := serve(t, a.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"events":"ok"`) {
		t.Errorf("body = %s, want an events check", rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestNew_StoreErrorIsReported(t *testing.T) {
	t.Parallel()

	// The parent of the database path is a regular file.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.DSN = filepath.Join(blocker, "sessions.db")

	_, err := app.New(context.Background(), cfg, &app.Providers{TTS: &ttsmock.Streamer{}},
		app.WithPublisher(events.Nop{}),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err == nil {
		t.Fatal("New() error = nil, want a store error")
	}
	if !strings.Contains(err.Error(), "init store") {
		t.Errorf("error = %v, want it to name the store", err)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	store := &memorymock.SessionStore{}
	cfg := testConfig()
	a, err := app.New(context.Background(), cfg, &app.Providers{TTS: &ttsmock.Streamer{}},
		app.WithSessionStore(store),
		app.WithPublisher(events.Nop{}),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}

	// An injected store belongs to the caller.
	if got := store.CallCount("Close"); got != 0 {
		t.Errorf("store Close call count = %d, want 0", got)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("Run() did not bind a listener within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	a := newTestApp(t, testConfig(), nil, app.WithLogLevel(level))

	oldCfg := testConfig()
	newCfg := testConfig()
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Synthesis.Model = "speech-02-hd"
	newCfg.Synthesis.Speed = 1.25

	a.Reload(oldCfg, newCfg, config.Diff(oldCfg, newCfg))

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want %v", got, slog.LevelDebug)
	}
	got := a.Sessions().Defaults()
	if got.Model != "speech-02-hd" || got.Speed != 1.25 {
		t.Errorf("Defaults() = %+v, want model speech-02-hd speed 1.25", got)
	}
}

func TestPlaybackConfig(t *testing.T) {
	t.Parallel()

	got := app.PlaybackConfig(config.PlaybackConfig{
		BufferGoal:    900 * time.Millisecond,
		BatchMaxBytes: 4096,
	})
	if got.BufferGoal != 900*time.Millisecond {
		t.Errorf("BufferGoal = %v, want 900ms", got.BufferGoal)
	}
	if got.Batcher.MaxBytes != 4096 {
		t.Errorf("Batcher.MaxBytes = %d, want 4096", got.Batcher.MaxBytes)
	}
	if got.HighWater != 1800*time.Millisecond {
		t.Errorf("HighWater = %v, want the 1800ms default", got.HighWater)
	}
}
