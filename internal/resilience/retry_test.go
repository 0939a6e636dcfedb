package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentStops(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(errTest)
	})
	if err != errTest {
		t.Fatalf("err = %v, want the unwrapped errTest", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_PermanentOnLastAttempt(t *testing.T) {
	t.Parallel()

	errFinal := errors.New("final")
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return Permanent(errFinal)
	})
	if err != errFinal {
		t.Fatalf("err = %v, want the unwrapped final error", err)
	}
	if IsPermanent(err) {
		t.Error("returned error still carries the permanent marker")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_ZeroDelay(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 4}, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestRetry_ContextCancelledDuringDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{Attempts: 3, Delay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errTest
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest joined with context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{Attempts: 2, Delay: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "partial", errTest
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != "ok" {
		t.Fatalf("got = %q, want ok", got)
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
	if !IsPermanent(Permanent(errTest)) {
		t.Error("IsPermanent = false, want true")
	}
	if IsPermanent(errTest) {
		t.Error("IsPermanent(plain) = true, want false")
	}
	if !errors.Is(Permanent(errTest), errTest) {
		t.Error("Permanent does not unwrap")
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultRetryConfig()
	if cfg.Attempts != 3 || cfg.Delay != time.Second {
		t.Errorf("DefaultRetryConfig() = %+v, want 3 attempts, 1s delay", cfg)
	}
}
