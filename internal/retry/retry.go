// Package retry wraps storage transactions in a bounded retry loop for lock
// and serialization conflicts, keeping the backoff policy out of business
// logic.
package retry

import (
	"context"
	"time"
)

type Config struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultConfig bounds internal retries to three attempts with linear backoff.
var DefaultConfig = Config{Attempts: 3, Backoff: 25 * time.Millisecond}

// Do runs fn up to cfg.Attempts times, retrying only when retryable reports
// the error as transient. The last error is returned unchanged so callers can
// map it to their own conflict taxonomy.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * cfg.Backoff):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
	}
	return err
}
