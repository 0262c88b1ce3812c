package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chirp-indexer/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
	// ShouldRetry decides whether an error is worth another attempt.
	// nil retries every error.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, max 60s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Err returns nil on success and the last error otherwise
func (r *RetryResult) Err() error {
	if r.Success {
		return nil
	}
	return r.LastError
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes fn until it succeeds, returns a
// non-retryable error, runs out of attempts, or ctx is done.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if config.ShouldRetry != nil && !config.ShouldRetry(err) {
			break
		}
		if attempt == maxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Warn("Operation failed after max retry attempts")
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := calculateDelay(config, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Debug("Operation failed, retrying with exponential backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped at MaxDelay
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(config.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// WithRetry is a simpler retry function that uses default configuration
func WithRetry(ctx context.Context, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, DefaultRetryConfig(), fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}

// Backoff produces successive delays for open-ended loops such as
// resubscription, where there is no attempt cap.
type Backoff struct {
	config  *RetryConfig
	attempt int
}

// NewBackoff creates a Backoff from a retry configuration
func NewBackoff(config *RetryConfig) *Backoff {
	return &Backoff{config: config}
}

// Next returns the next delay
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return calculateDelay(b.config, b.attempt)
}

// Reset starts the sequence over
func (b *Backoff) Reset() {
	b.attempt = 0
}
