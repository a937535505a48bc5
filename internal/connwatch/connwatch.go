// Package connwatch provides startup probing with exponential backoff
// for the bus's external dependencies: the broker cluster and the
// document store. The bus refuses to come up until both are reachable;
// probing with backoff covers the common case of the whole stack being
// started at once, with the bus racing its dependencies.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of probe attempts (default: 10).
	MaxRetries int

	// ProbeTimeout limits how long each individual probe call may take
	// (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default schedule: 1s, 2s, 4s, 8s,
// 16s, 30s (capped), with 10 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	defaults := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaults.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	return c
}

// WaitReady blocks until the probe succeeds, the retry budget is
// exhausted, or ctx is cancelled. Zero-value backoff fields are
// replaced with defaults. The returned error carries the last probe
// failure.
func WaitReady(ctx context.Context, name string, probe ProbeFunc, backoff BackoffConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := backoff.withDefaults()

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		lastErr = probe(probeCtx)
		cancel()

		if lastErr == nil {
			logger.Info("service reachable",
				"service", name,
				"after_attempts", attempt,
			)
			return nil
		}

		if attempt == cfg.MaxRetries {
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", lastErr,
		)

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s unreachable after %d attempts: %w", name, cfg.MaxRetries, lastErr)
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
