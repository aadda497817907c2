// Package backoff computes retry delays for failed job attempts.
// It is pure and safe for concurrent use.
package backoff

import "time"

// Delay returns how long to wait before re-enqueueing a job that has
// failed attempt times. The delay doubles per attempt (base * 2^attempt)
// and is capped at ceiling. A non-positive base or ceiling disables the
// respective part: base <= 0 yields zero delay, ceiling <= 0 means no cap.
func Delay(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 || attempt < 0 {
		return 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}

	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// Policy bundles the configured base and ceiling so callers don't pass
// them around separately.
type Policy struct {
	Base    time.Duration
	Ceiling time.Duration
}

// Delay returns the delay before the given retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.Base, p.Ceiling)
}
