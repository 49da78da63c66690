package connection

import "time"

// Backoff defines the reconnect schedule.
type Backoff struct {
	InitialDelay time.Duration // Delay for attempt 0
	MaxDelay     time.Duration // Cap applied before jitter
	MaxAttempts  int           // Automatic attempts before StateFailed (<= 0 = unlimited)
	MaxJitter    time.Duration // Upper bound of the random component added to each delay
}

// DefaultBackoff returns the service desk defaults: 3s doubling to 30s, ten
// attempts, up to one second of jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 3 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		MaxJitter:    time.Second,
	}
}

// BaseDelay returns min(InitialDelay * 2^attempt, MaxDelay) for a 0-indexed attempt.
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := b.InitialDelay
	if wait <= 0 {
		wait = time.Second
	}
	limit := b.MaxDelay
	if limit <= 0 {
		limit = 30 * time.Second
	}
	if wait >= limit {
		return limit
	}
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= limit {
			return limit
		}
	}
	return wait
}

// Delay returns BaseDelay plus a jitter of MaxJitter scaled by rnd(), which
// must return a value in [0, 1).
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	wait := b.BaseDelay(attempt)
	if b.MaxJitter <= 0 || rnd == nil {
		return wait
	}
	f := rnd()
	if f < 0 {
		f = 0
	}
	if f >= 1 {
		f = 0.999999
	}
	return wait + time.Duration(f*float64(b.MaxJitter))
}

// Exhausted reports whether attempts has used up the budget.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
