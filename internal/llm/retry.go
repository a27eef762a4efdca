package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig defines retry behavior for external API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int `yaml:"max_retries"`
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay"`
	// Multiplier grows the delay after each retry
	Multiplier float64 `yaml:"multiplier"`
	// JitterFactor adds randomness to delays (0.0-1.0)
	JitterFactor float64 `yaml:"jitter_factor"`
}

// DefaultRetryConfig returns sensible defaults for API retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() (*http.Response, error)

// IsRetryableStatusCode determines if an HTTP status code warrants a retry.
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableError determines if an error warrants a retry. Context
// cancellation is never retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ExecuteWithRetry executes fn with exponential backoff, returning the
// first successful response. Responses with retryable status codes are
// closed and retried.
func ExecuteWithRetry(ctx context.Context, config RetryConfig, fn RetryableFunc) (*http.Response, error) {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled before attempt %d: %w", attempt+1, ctx.Err())
		default:
		}

		resp, err := fn()
		if err == nil && resp != nil && !IsRetryableStatusCode(resp.StatusCode) {
			return resp, nil
		}

		shouldRetry := false
		if resp != nil && IsRetryableStatusCode(resp.StatusCode) {
			lastErr = fmt.Errorf("HTTP %d: retryable server error", resp.StatusCode)
			_ = resp.Body.Close()
			shouldRetry = true
		} else if err != nil {
			lastErr = err
			shouldRetry = IsRetryableError(err)
		}

		if !shouldRetry || attempt >= config.MaxRetries {
			return nil, fmt.Errorf("all %d attempts failed: %w", attempt+1, lastErr)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		case <-time.After(addJitter(delay, config.JitterFactor)):
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// addJitter adds randomness to a duration. Jitter does not need
// cryptographic randomness.
func addJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	jitterRange := float64(d) * factor
	jitter := (rand.Float64() - 0.5) * 2 * jitterRange // #nosec G404
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = 0
	}
	return result
}
