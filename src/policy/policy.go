package policy

import "time"

// Defaults for the realtime reconnection policy.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Second
	DefaultMaxAttempts = 3
)

// Policy maps a reconnect attempt number to a backoff delay and decides
// when the realtime channel should be given up.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Default returns the policy used by chat sessions: 1s, 2s, 4s, then 5s.
func Default() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// NextDelay returns min(BaseDelay * 2^(attempt-1), MaxDelay).
// Attempts below 1 are treated as the first attempt.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldAbandon reports whether attempt has reached the attempt ceiling.
func (p Policy) ShouldAbandon(attempt int) bool {
	return attempt >= p.MaxAttempts
}
