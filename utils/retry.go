package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  25 * time.Second,
	}
}

// WithRetry executes an operation with retry logic using exponential backoff.
// It gives up when ctx is cancelled or MaxElapsedTime passes.
func WithRetry(ctx context.Context, operation func() error, config *RetryConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = config.MaxElapsedTime

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
