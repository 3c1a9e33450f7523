package store

import (
	"context"
	"log/slog"
	"time"
)

const (
	maxAttempts  = 3
	retryBaseOff = 100 * time.Millisecond
)

// withRetry runs op with exponential backoff on transient failures, up to
// maxAttempts. A non-transient error returns immediately; exhausting the
// budget wraps the last error as UnavailableError.
func withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		backoff := retryBaseOff << (attempt - 1)
		slog.Warn("Store operation failed, retrying",
			"op", name, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return &UnavailableError{Op: name, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}
	return &UnavailableError{Op: name, Err: err}
}
