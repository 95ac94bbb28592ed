package ble

import "time"

// DefaultReconnectDelay is the fixed pause before a reconnection attempt.
const DefaultReconnectDelay = 3 * time.Second

// ReconnectPolicy decides whether and when a lost or failed central-role
// link is retried.
//
// With only Delay set, every attempt waits Delay. Setting MaxDelay above
// Delay doubles the wait after each consecutive failure, capped at
// MaxDelay. MaxAttempts > 0 bounds the number of consecutive failed
// attempts before the peer is left in the failed state.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy retries at a fixed interval indefinitely.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: DefaultReconnectDelay}
}

// Next returns the wait before the next attempt, given the number of
// consecutive failed attempts so far. ok is false when no further attempt
// should be made.
func (p ReconnectPolicy) Next(failures int) (delay time.Duration, ok bool) {
	if p.MaxAttempts > 0 && failures >= p.MaxAttempts {
		return 0, false
	}
	base := p.Delay
	if base <= 0 {
		base = DefaultReconnectDelay
	}
	if p.MaxDelay <= base {
		return base, true
	}
	return backoffDelay(failures, base, p.MaxDelay), true
}

// backoffDelay returns base doubled attempt times, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
