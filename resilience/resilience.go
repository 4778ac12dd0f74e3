// Package resilience implements the retry, circuit-breaker, reconnect
// backoff, and dedup primitives the orchestrator leans on.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrRetriesExhausted wraps the last error after a schedule runs out.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retry runs fn up to len(schedule) times, sleeping schedule[i] before
// attempt i (the first entry is usually zero). retryable decides whether a
// failure is worth another attempt; a non-retryable error returns
// immediately. Returns the last error wrapped in ErrRetriesExhausted when
// the schedule runs out.
func Retry(ctx context.Context, schedule []time.Duration, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if len(schedule) == 0 {
		schedule = []time.Duration{0}
	}
	var lastErr error
	for _, delay := range schedule {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Join(ErrRetriesExhausted, lastErr)
}

// Backoff produces reconnect delays: exponential from Base up to Max with
// uniform jitter, giving up after MaxAttempts.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	MaxAttempts int

	attempt int
}

// NewReconnectBackoff returns the transport reconnect policy
// (5s base, 5m cap, 2s jitter, 10 attempts).
func NewReconnectBackoff() *Backoff {
	return &Backoff{
		Base:        5 * time.Second,
		Max:         5 * time.Minute,
		Jitter:      2 * time.Second,
		MaxAttempts: 10,
	}
}

// Next returns the delay before the next attempt, or false when attempts
// are exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	b.attempt++
	return d, true
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restores the backoff to its initial state after a successful
// connection.
func (b *Backoff) Reset() { b.attempt = 0 }
