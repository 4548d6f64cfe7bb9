// Package retry provides a shared retry utility with exponential backoff and jitter.
//
// Gateway HTTP calls go through Do so a transient network failure does not
// surface as a failed funding or withdrawal initiation. HTTP 4xx responses
// are wrapped with Permanent since retrying them cannot succeed.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times, doubling baseDelay between attempts.
// It stops early when fn succeeds, when fn returns a *PermanentError (the
// wrapped error is returned unwrapped), or when ctx is cancelled during a
// backoff sleep.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay)):
		}

		delay *= 2
	}

	return err
}

// withJitter spreads d by +-25% so retries from concurrent callers do not
// land on the gateway in lockstep.
func withJitter(d time.Duration) time.Duration {
	spread := d / 4
	return d - spread + time.Duration(randInt64n(int64(2*spread+1)))
}

// randInt64n returns a random int64 in [0, n) using crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n))
}
