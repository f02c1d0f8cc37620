package signal

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy controls how a Channel retries a signaling server after
// an established session drops. The zero Multiplier and MaxAttempts give
// a fixed delay retried forever.
type ReconnectPolicy struct {
	// Delay before the first attempt. A non-positive Delay disables
	// reconnection.
	Delay time.Duration
	// MaxDelay caps the delay when Multiplier is above 1.
	MaxDelay time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// MaxAttempts stops retrying after this many attempts; 0 is unlimited.
	MaxAttempts int
}

// DefaultReconnectPolicy retries every 10 seconds with no limit.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: 10 * time.Second}
}

// Disabled reports whether the policy never reconnects.
func (p ReconnectPolicy) Disabled() bool {
	return p.Delay <= 0
}

// NewBackOff returns a fresh schedule for one server.
func (p ReconnectPolicy) NewBackOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier <= 1 {
		b = backoff.NewConstantBackOff(p.Delay)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		switch {
		case p.MaxDelay <= 0:
			eb.MaxInterval = max(p.Delay, backoff.DefaultMaxInterval)
		case p.MaxDelay < p.Delay:
			eb.MaxInterval = p.Delay
		default:
			eb.MaxInterval = p.MaxDelay
		}
		b = eb
	}
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	b.Reset()
	return b
}
