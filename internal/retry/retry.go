// Package retry provides backoff calculation and permanent-error marking for
// transport reconnection. REST operations in this client never retry
// automatically, so the package deliberately exposes no generic retry loop.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay between attempts.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter randomizes each delay into [0.5, 1.5] of its base value.
	Jitter bool
}

// DefaultPolicy returns the reconnection schedule used by the websocket
// transport: 2s, 4s, 8s... capped at 30s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 2 * time.Second,
		Max:     30 * time.Second,
		Factor:  2.0,
		Jitter:  true,
	}
}

// Delay returns the backoff duration for the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = DefaultPolicy().Initial
	}
	max := p.Max
	if max <= 0 {
		max = DefaultPolicy().Max
	}
	factor := p.Factor
	if factor <= 0 {
		factor = DefaultPolicy().Factor
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	if p.Jitter {
		// jitter does not require cryptographic randomness
		delay *= 0.5 + rand.Float64() // #nosec G404
		if delay > float64(max) {
			delay = float64(max)
		}
	}
	return time.Duration(delay)
}

// PermanentError marks a failure that reconnection cannot fix, such as a
// rejected credential.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so reconnection loops stop instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
