// Package retry implements exponential backoff with jitter, shared by the
// feed reconnect loop and the store commit path.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xtxerr/tickpipe/internal/config"
)

// Policy is an exponential backoff policy.
//
// The delay before retry n (n >= 1) is Base * Multiplier^(n-1), capped at Cap,
// then spread by ±Jitter. A zero MaxAttempts means unbounded.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before sleeping for a retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// FromConfig builds a policy from a backoff configuration.
func FromConfig(cfg config.BackoffConfig) Policy {
	return Policy{
		Base:        cfg.Base,
		Cap:         cfg.Cap,
		Multiplier:  2.0,
		Jitter:      cfg.Jitter,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Delay returns the jittered delay before retry n.
func (p Policy) Delay(n int) time.Duration {
	return p.jitter(p.raw(n))
}

// raw returns the un-jittered delay before retry n.
func (p Policy) raw(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}

	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= mult
		if p.Cap > 0 && d >= float64(p.Cap) {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// jitter spreads d by ±Jitter.
func (p Policy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. fn receives the 1-based attempt number.
//
// When attempts are exhausted the last error is returned wrapped, so its
// classification survives.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		// Check context before attempt
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		lastErr = err

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", p.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff tracks consecutive failures for an unbounded retry loop.
// Not safe for concurrent use.
type Backoff struct {
	policy  Policy
	attempt int
}

// NewBackoff creates a backoff tracker for the policy.
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next records a failure and returns the delay before the next try.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt)
}

// Reset returns the backoff to its base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of consecutive failures recorded.
func (b *Backoff) Attempt() int {
	return b.attempt
}
