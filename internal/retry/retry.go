// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy bounds the number of attempts and the wait between them.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int

	// Base is the wait before the second attempt.
	Base time.Duration

	// Factor multiplies the wait after every failed retry.
	Factor float64

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy waits 2s, 4s, 8s and 16s between five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Base:     2 * time.Second,
		Factor:   2,
	}
}

func (p *Policy) validate() {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Base < 0 {
		p.Base = 0
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.Base) * math.Pow(p.Factor, float64(attempt-1)))
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempts are exhausted. The error of the last attempt is returned as is.
// A cancelled ctx stops the wait and returns ctx.Err() before the next
// attempt starts.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	p.validate()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt >= p.Attempts || !retryable(err) {
			return err
		}

		wait := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
