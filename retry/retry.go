// Package retry holds the retry policy applied by the executor. Keeping it
// standalone means backoff behavior is testable without anything to retry.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func Normalize(p Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the wait before attempt+1 after attempt i failed
// (1-based): BaseDelay doubled per attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = Normalize(p)
	if attempt <= 0 {
		attempt = 1
	}
	backoff := p.BaseDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if backoff > p.MaxDelay {
		return p.MaxDelay
	}
	return backoff
}

// Wait sleeps for the backoff after the given failed attempt, returning
// early if the context is canceled. Callers skip Wait after the final
// attempt; there is nothing left to wait for.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
