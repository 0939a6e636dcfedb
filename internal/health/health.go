// Package health serves the liveness and readiness probes.
//
//   - /healthz answers 200 whenever the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes.
//
// Both respond with {"status": "ok"|"fail", "checks": {name: result}}.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when healthy and
// must respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each with its own [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Pinger is anything with a context-aware Ping, such as a session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker checks p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BinaryChecker checks that an executable is on PATH. The transcoder is
// started per request, so a missing binary only shows up here before the
// first visitor speaks.
func BinaryChecker(name, binary string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if _, err := exec.LookPath(binary); err != nil {
			return fmt.Errorf("%s not found: %w", binary, err)
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
