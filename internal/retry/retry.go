// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn up to maxAttempts times. The delay before attempt n is
// base * 2^(n-1), jittered by up to a quarter in either direction so
// simultaneous retries against the same endpoint spread out.
//
// Do returns nil on the first success, the unwrapped error for a
// *PermanentError, ctx.Err() if the context ends while waiting, or the
// last error after the attempts are exhausted.
func Do(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(lastErr, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(base << (attempt - 1))):
		}
	}
}

// jittered spreads d over [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	spread := int64(d) / 2
	if spread <= 0 {
		return d
	}
	return d - d/4 + time.Duration(randInt64n(spread+1))
}

// randInt64n returns a uniform-ish value in [0, n) from crypto/rand. The
// modulo bias is irrelevant for sleep jitter.
func randInt64n(n int64) int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := int64(binary.BigEndian.Uint64(b[:]) >> 1)
	return v % n
}
