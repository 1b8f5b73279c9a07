// Package connwatch retries a connection probe with bounded
// exponential backoff. A probe is attempted up to MaxRetries times with
// delays of 2s, 4s, 8s, ... capped at MaxDelay, and the caller decides
// what to do once the budget is spent.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetriesExhausted is returned by [Retry] when every attempt failed.
// It wraps the last probe error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ProbeFunc attempts a connection. Return nil on success.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of probe attempts (default: 10).
	MaxRetries int

	// ProbeTimeout limits how long each probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped) with
// ten attempts and a ten second probe timeout.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Schedule returns the delays slept between attempts: one entry fewer
// than MaxRetries.
func Schedule(cfg BackoffConfig) []time.Duration {
	cfg = cfg.withDefaults()
	delays := make([]time.Duration, 0, cfg.MaxRetries-1)
	delay := cfg.InitialDelay
	for i := 1; i < cfg.MaxRetries; i++ {
		delays = append(delays, delay)
		delay = next(delay, cfg)
	}
	return delays
}

func next(delay time.Duration, cfg BackoffConfig) time.Duration {
	delay = time.Duration(float64(delay) * cfg.Multiplier)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Retry calls probe until it succeeds, ctx is cancelled, or
// cfg.MaxRetries attempts have failed. It returns the number of
// attempts made. On exhaustion the error wraps both
// [ErrRetriesExhausted] and the last probe error.
//
// Panics if probe is nil.
func Retry(ctx context.Context, name string, cfg BackoffConfig, probe ProbeFunc, logger *slog.Logger) (int, error) {
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err = probeOnce(ctx, cfg.ProbeTimeout, probe)
		if err == nil {
			logger.Info("service connected",
				"service", name,
				"after_attempts", attempt,
			)
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		if attempt == cfg.MaxRetries {
			logger.Warn("connection attempts exhausted",
				"service", name,
				"attempts", attempt,
				"error", err,
			)
			return attempt, fmt.Errorf("%s: %w after %d attempts: %w", name, ErrRetriesExhausted, attempt, err)
		}

		logger.Info("connection attempt failed, retrying",
			"service", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return attempt, ctx.Err()
		}
		delay = next(delay, cfg)
	}
	return cfg.MaxRetries, err
}

// probeOnce calls probe with a timeout.
func probeOnce(ctx context.Context, timeout time.Duration, probe ProbeFunc) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Sleep is the exported form of the cancellable sleep used between
// attempts. Returns false if ctx was cancelled first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	return sleepCtx(ctx, d)
}
