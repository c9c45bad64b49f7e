package conn

import "time"

// ReconnectPolicy controls how reconnection attempts are scheduled after an
// unclean disconnect. Attempts are numbered from 1; once MaxAttempts have
// failed the manager stops scheduling until an explicit Connect call.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy returns the canonical schedule: attempts 1..5 with
// delays 1s, 2s, 4s, 8s, 16s, capped at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// DelayForAttempt returns min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p ReconnectPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
