package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the breaker created for each entry of a
// [FallbackGroup]. The breaker's Name is overwritten with the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same type,
// each guarded by its own [CircuitBreaker]. Entries are tried in
// registration order.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry. It may be called while the group is in use.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name

	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return fg.entries[0].value
}

func (fg *FallbackGroup[T]) snapshot() []fallbackEntry[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return append([]fallbackEntry[T](nil), fg.entries...)
}

// Execute runs fn against each entry until one succeeds. Entries with an
// open breaker are skipped. If ctx is done the loop stops and ctx's error
// is returned; otherwise the joined entry errors are wrapped in
// [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, entry := range fg.snapshot() {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var result R
		err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = fn(ctx, entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend with open circuit", "backend", entry.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
