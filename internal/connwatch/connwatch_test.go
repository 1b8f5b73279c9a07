package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

func TestSchedule_GrowsAndCaps(t *testing.T) {
	t.Parallel()
	got := Schedule(DefaultBackoffConfig())
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
		60 * time.Second,
	}
	if len(got) != len(want) {
		t.Fatalf("len(Schedule) = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Schedule[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSchedule_ZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()
	if got := len(Schedule(BackoffConfig{})); got != 9 {
		t.Errorf("len(Schedule(zero)) = %d, want 9", got)
	}
}

func TestRetry_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	attempts, err := Retry(context.Background(), "broker", testBackoff(),
		func(ctx context.Context) error { return nil }, quietLogger())
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	errDown := errors.New("broker down")
	var calls atomic.Int32

	attempts, err := Retry(context.Background(), "broker", testBackoff(), func(ctx context.Context) error {
		if calls.Add(1) <= 3 {
			return errDown
		}
		return nil
	}, quietLogger())
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	t.Parallel()
	errDown := errors.New("broker down")
	var calls atomic.Int32

	attempts, err := Retry(context.Background(), "broker", testBackoff(), func(ctx context.Context) error {
		calls.Add(1)
		return errDown
	}, quietLogger())

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("error = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, errDown) {
		t.Errorf("error = %v, want it to wrap the probe error", err)
	}
	if attempts != 5 || calls.Load() != 5 {
		t.Errorf("attempts = %d, calls = %d, want 5 and 5", attempts, calls.Load())
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testBackoff()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, "broker", cfg, func(ctx context.Context) error {
			return errors.New("down")
		}, quietLogger())
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancel")
	}
}

func TestRetry_ProbeTimeout(t *testing.T) {
	t.Parallel()
	cfg := testBackoff()
	cfg.MaxRetries = 1
	cfg.ProbeTimeout = 10 * time.Millisecond

	_, err := Retry(context.Background(), "broker", cfg, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, quietLogger())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestRetry_NilProbePanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil probe")
		}
	}()
	Retry(context.Background(), "broker", testBackoff(), nil, quietLogger())
}

func TestSleep(t *testing.T) {
	t.Parallel()
	if !Sleep(context.Background(), 0) {
		t.Error("Sleep(0) = false, want true")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, time.Hour) {
		t.Error("Sleep on cancelled context = true, want false")
	}
}
