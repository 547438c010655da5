package storage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
)

// RetryStrategy defines exponential backoff retry logic for transient file operations
type RetryStrategy struct {
	MaxAttempts int           // Default: 3
	BaseBackoff time.Duration // Default: 200ms
	MaxBackoff  time.Duration // Default: 2s
	Jitter      bool          // Enable jitter (default: true)
}

// NewRetryStrategy creates a new RetryStrategy with defaults
func NewRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		Jitter:      true,
	}
}

// CalculateBackoff returns duration until next retry attempt
// Implements exponential backoff: base, 2x base, 4x base...
func (s *RetryStrategy) CalculateBackoff(attemptNumber int) time.Duration {
	if attemptNumber <= 0 {
		return s.BaseBackoff
	}

	multiplier := math.Pow(2, float64(attemptNumber-1))
	backoff := time.Duration(multiplier) * s.BaseBackoff

	if backoff > s.MaxBackoff {
		backoff = s.MaxBackoff
	}

	// Add random jitter: +-10% of backoff
	if s.Jitter {
		jitterRange := backoff / 10
		if jitterRange > 0 {
			jitter := time.Duration(rand.Intn(int(jitterRange*2))) - jitterRange
			backoff = backoff + jitter
			if backoff < s.BaseBackoff {
				backoff = s.BaseBackoff
			}
		}
	}

	return backoff
}

// IsTemporaryError determines if a file error is worth retrying.
// Missing files and permission problems are permanent.
func (s *RetryStrategy) IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, errPathEscapes) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
// Exhausted or permanent failures are returned as *models.IOError.
func (s *RetryStrategy) Do(ctx context.Context, op, path string, fn func() error) error {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if err = fn(); err == nil {
			return nil
		}
		if !s.IsTemporaryError(err) || attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return &models.IOError{Op: op, Path: path, Attempts: attempt, Cause: ctx.Err()}
		case <-time.After(s.CalculateBackoff(attempt)):
		}
	}

	return &models.IOError{Op: op, Path: path, Attempts: attempt, Cause: err}
}
