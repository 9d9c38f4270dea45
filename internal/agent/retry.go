package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrRetryLater indicates the model kept rate-limiting through every
// backoff attempt. Callers surface it as a retryable condition (HTTP
// 429) rather than a hard failure.
var ErrRetryLater = errors.New("model rate limited, retry later")

// RetryConfig configures the retry behavior for LLM calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// rateLimited classifies rate-limit errors, which map to ErrRetryLater
// after retries are exhausted.
func rateLimited(err error) bool {
	return err != nil && containsAny(err.Error(), "rate limit", "quota exceeded", "429", "resource exhausted")
}

// retryableError determines if an error should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if rateLimited(err) {
		return true
	}
	errStr := err.Error()
	// Transient server errors
	if containsAny(errStr, "500", "502", "503", "504", "unavailable", "overloaded") {
		return true
	}
	// Network errors
	if containsAny(errStr, "connection reset", "timeout", "temporary") {
		return true
	}
	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// generateWithRetry calls the model with exponential backoff. Each
// attempt waits on the rate limiter first, so retries never stampede a
// throttled provider.
func generateWithRetry(ctx context.Context, llm LLM, cfg RetryConfig,
	limiter *rate.Limiter, logger *slog.Logger, req Request) (Completion, error) {
	var lastErr error
	delay := cfg.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return Completion{}, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		comp, err := llm.Generate(ctx, req)
		if err == nil {
			logger.Debug("model call succeeded",
				"attempts", attempt+1, "elapsed", time.Since(start))
			return comp, nil
		}
		lastErr = err

		if !retryableError(err) {
			return Completion{}, fmt.Errorf("model call: %w", err)
		}
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Debug("retrying model call",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return Completion{}, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, cfg.MaxInterval)
		}
	}

	if rateLimited(lastErr) {
		return Completion{}, fmt.Errorf("%w: %s", ErrRetryLater, lastErr)
	}
	return Completion{}, fmt.Errorf("model call after %d retries (elapsed: %v): %w",
		cfg.MaxRetries, time.Since(start), lastErr)
}

func (o *Orchestrator) generateWithRetry(ctx context.Context, req Request) (Completion, error) {
	return generateWithRetry(ctx, o.llm, o.retry, o.limiter, o.logger, req)
}

// RetryingLLM decorates an LLM with the same backoff policy and
// throttling the orchestrator applies, for callers that talk to the
// model outside a run.
type RetryingLLM struct {
	inner   LLM
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRetryingLLM wraps inner. A zero cfg takes DefaultRetryConfig; an
// rps of zero disables throttling.
func NewRetryingLLM(inner LLM, cfg RetryConfig, rps float64, logger *slog.Logger) *RetryingLLM {
	if cfg == (RetryConfig{}) {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &RetryingLLM{inner: inner, cfg: cfg, limiter: limiter, logger: logger}
}

// Generate implements LLM.
func (l *RetryingLLM) Generate(ctx context.Context, req Request) (Completion, error) {
	return generateWithRetry(ctx, l.inner, l.cfg, l.limiter, l.logger, req)
}
