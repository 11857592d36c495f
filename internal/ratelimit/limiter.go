// Package ratelimit provides dual-bucket admission control for online
// request dispatch: one bucket for requests per minute, one for tokens
// per minute. Both refill continuously (leaky-bucket semantics). A
// provider rate-limit error puts the limiter into a cooldown during
// which no new reservations are granted.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// cooldownPollInterval bounds how often a waiter re-checks an active cooldown.
const cooldownPollInterval = 250 * time.Millisecond

// Limiter admits requests subject to requests-per-minute and
// tokens-per-minute budgets. Reservation against both buckets is atomic
// relative to concurrent callers.
type Limiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter

	mu            sync.Mutex
	cooldownUntil time.Time
	pause         time.Duration
}

// NewLimiter creates a limiter admitting up to rpm requests and tpm
// tokens per minute. pause is how long dispatch is suspended after a
// provider rate-limit error.
func NewLimiter(rpm, tpm int, pause time.Duration) *Limiter {
	return &Limiter{
		// Burst equals the full per-minute budget so an idle limiter can
		// absorb an initial burst, matching provider window accounting.
		requests: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		tokens:   rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm),
		pause:    pause,
	}
}

// Wait blocks until estTokens of token capacity and one request slot are
// reserved, or ctx is cancelled. Capacity from both buckets is reserved
// under one lock so a concurrent caller can never split a reservation.
func (l *Limiter) Wait(ctx context.Context, estTokens int) error {
	if err := l.waitCooldown(ctx); err != nil {
		return err
	}

	if estTokens > l.tokens.Burst() {
		// A single oversized request may never fit the bucket; clamp so it
		// drains the full budget instead of waiting forever.
		estTokens = l.tokens.Burst()
	}

	l.mu.Lock()
	now := time.Now()
	reqRes := l.requests.ReserveN(now, 1)
	tokRes := l.tokens.ReserveN(now, estTokens)
	l.mu.Unlock()

	delay := reqRes.DelayFrom(now)
	if d := tokRes.DelayFrom(now); d > delay {
		delay = d
	}
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reqRes.Cancel()
		tokRes.Cancel()
		return ctx.Err()
	}
}

// waitCooldown suspends the caller while a rate-limit cooldown is
// active, polling at a bounded interval.
func (l *Limiter) waitCooldown(ctx context.Context) error {
	for {
		l.mu.Lock()
		remaining := time.Until(l.cooldownUntil)
		l.mu.Unlock()
		if remaining <= 0 {
			return nil
		}

		wait := remaining
		if wait > cooldownPollInterval {
			wait = cooldownPollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// OnRateLimitError enters the cooldown: new dispatches are suspended for
// the configured pause duration.
func (l *Limiter) OnRateLimitError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(l.pause)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

// InCooldown reports whether a rate-limit cooldown is currently active.
func (l *Limiter) InCooldown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.cooldownUntil)
}

// Reconcile settles the advisory token estimate against actual usage
// reported by the response. Underestimates consume the difference as
// capacity debt; the call never blocks. Overestimates are left alone:
// returning unused capacity would overfill the provider's real window.
func (l *Limiter) Reconcile(estTokens, actualTokens int) {
	extra := actualTokens - estTokens
	if extra <= 0 {
		return
	}
	if extra > l.tokens.Burst() {
		extra = l.tokens.Burst()
	}
	l.mu.Lock()
	res := l.tokens.ReserveN(time.Now(), extra)
	l.mu.Unlock()
	// Intentionally ignore the reservation delay: the debt pushes future
	// reservations out instead of blocking this caller.
	_ = res
}
