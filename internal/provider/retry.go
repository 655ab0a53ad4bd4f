package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
)

// RetryConfig configures retry behavior for provider calls.
type RetryConfig struct {
	MaxRetries int           // Maximum retry attempts after the first try
	BaseDelay  time.Duration // Backoff base; delay = base * 2^attempt
	MaxDelay   time.Duration // Backoff ceiling
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// withDefaults fills each unset field independently, so a config naming only
// MaxRetries still backs off and still caps its delay.
func (cfg RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return cfg
}

// Retryable determines if an error should trigger another attempt.
// Normalized provider errors carry their own answer; anything else is
// classified by well-known message substrings.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}

	// Validation failures are deterministic, never retry.
	if errors.Is(err, llm.ErrUnsupportedFeature) ||
		errors.Is(err, llm.ErrModelNotFound) ||
		errors.Is(err, llm.ErrContextLength) ||
		errors.Is(err, llm.ErrInvalidRequest) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Transient server and network failures.
	for _, sub := range []string{
		"rate limit", "quota exceeded", "429",
		"500", "502", "503", "504", "unavailable",
		"connection reset", "connection refused", "timeout", "temporary",
	} {
		if strings.Contains(errStr, sub) {
			return true
		}
	}
	return false
}

// backoffDelay computes base * 2^attempt capped at max, plus up to 10%
// jitter so synchronized clients do not retry in lockstep.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << attempt
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/10 + 1))
	return delay + jitter
}

// WithRetry runs fn with exponential backoff. The limiter, when non-nil, is
// awaited before every attempt so retries cannot exceed the provider's
// request budget. Non-retryable errors (401/403/404 and validation
// failures) are returned from the first attempt untouched.
func WithRetry(ctx context.Context, logger log.Logger, cfg RetryConfig, limiter *rate.Limiter, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug("call succeeded after retry",
					"attempts", attempt+1,
					"elapsed", time.Since(start),
				)
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := backoffDelay(cfg, attempt)
		logger.Debug("retrying after transient error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("after %d retries (elapsed %v): %w",
		cfg.MaxRetries, time.Since(start).Round(time.Millisecond), lastErr)
}
