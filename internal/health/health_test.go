package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbooth/pkg/memory"
	"github.com/MrWong99/voxbooth/pkg/memory/mock"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New(Checker{Name: "never", Check: func(context.Context) error { return errors.New("down") }}).
		Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{{"store", ok}, {"events", ok}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"store": "ok", "events": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{{"store", fail}, {"events", ok}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "fail: connection refused", "events": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decode(t, rec)
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{"a", slow}, Checker{"b", slow}, Checker{"c", slow})

	start := time.Now()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if elapsed := time.Since(start); elapsed > 550*time.Millisecond {
		t.Errorf("readyz took %v, want checks to overlap", elapsed)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestPingChecker(t *testing.T) {
	t.Parallel()

	if err := PingChecker("store", memory.NewMemStore()).Check(context.Background()); err != nil {
		t.Errorf("memory store: %v", err)
	}
	down := &mock.SessionStore{PingErr: errors.New("connection reset")}
	if err := PingChecker("store", down).Check(context.Background()); err == nil {
		t.Error("failing store: want error")
	}
}

func TestBinaryChecker(t *testing.T) {
	t.Parallel()

	c := BinaryChecker("transcoder", "definitely-not-a-real-binary-9f2c")
	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Check = %v, want not found", err)
	}
}

func TestRegister_Routes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
