package vcs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// retryOperation retries a GitHub API call with exponential backoff,
// respecting rate-limit reset times.
func retryOperation(ctx context.Context, config *RetryConfig, logger *zap.Logger, operation func() (*github.Response, error)) (*github.Response, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	config.ApplyDefaults()

	var lastErr error
	var lastResp *github.Response
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		resp, err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info("github api call recovered after retries",
					zap.Int("attempts", attempt+1))
			}
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if !isRetryableError(err, resp) {
			return resp, err
		}
		if attempt == config.MaxRetries {
			break
		}

		if isRateLimitError(resp) {
			backoff = rateLimitBackoff(resp, config.MaxBackoff)
			logger.Info("github api rate limit hit",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
		} else {
			logger.Info("retrying github api call",
				zap.Int("attempt", attempt+1),
				zap.Int("status_code", statusCode(resp)),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			next := time.Duration(float64(backoff) * config.BackoffMultiplier)
			if next > config.MaxBackoff {
				next = config.MaxBackoff
			}
			backoff = next
		}
	}

	logger.Warn("github api call failed after all retries",
		zap.Int("total_attempts", config.MaxRetries+1),
		zap.Int("status_code", statusCode(lastResp)),
		zap.Error(lastErr))
	return lastResp, fmt.Errorf("github api call failed after %d retries: %w", config.MaxRetries, lastErr)
}

// isRetryableError classifies GitHub API failures. Rate limits and 5xx
// are retryable; auth and validation errors are not.
func isRetryableError(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp != nil && resp.Response != nil {
		switch code := resp.Response.StatusCode; code {
		case http.StatusTooManyRequests:
			return true
		case http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			// Forbidden with rate info is a secondary rate limit.
			return resp.Rate.Limit > 0
		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity:
			return false
		default:
			return code >= 500 && code < 600
		}
	}
	// No response at all: network error or timeout.
	return true
}

func isRateLimitError(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0
}

// rateLimitBackoff waits until the advertised reset time, with a small
// buffer, capped at maxBackoff.
func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || (resp.Rate.Limit == 0 && resp.Rate.Remaining == 0) {
		return time.Minute
	}
	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < 0 {
		backoff = time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
