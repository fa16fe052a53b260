// Package retry provides the exponential backoff policy shared by the
// delivery pipeline and the broker connection machine. The policy is a pure
// delay computation; callers own the attempt loop, the sleep, and the
// counter.
package retry

import (
	"math"
	"time"
)

// Policy computes backoff delays for 1-based attempt numbers. The zero value
// is not usable; construct with DefaultPolicy or populate every field.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Base        float64
	MaxAttempts int
}

// DefaultPolicy returns the standard delivery backoff:
// 1s base, 30s cap, doubling, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Base:        2.0,
		MaxAttempts: 3,
	}
}

// Delay returns the backoff before retrying after the given attempt:
// min(MaxDelay, BaseDelay * Base^(attempt-1)). attempt is 1-based;
// Delay(1) == BaseDelay. Deterministic and side-effect free.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay) * math.Pow(p.Base, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Sleep blocks for the attempt's delay or until done is closed/cancelled.
// Returns false when interrupted, so callers can abandon the retry loop on
// shutdown instead of sleeping through it.
func (p Policy) Sleep(done <-chan struct{}, attempt int) bool {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
