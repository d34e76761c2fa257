package dashboard

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxAttempts = 5
)

// ReconnectPolicy produces the exponential delays used between gateway
// reconnect attempts: base * 2^attempt, for at most maxAttempts attempts.
type ReconnectPolicy struct {
	base        time.Duration
	maxAttempts int
	mu          sync.Mutex
	attempt     int
	b           backoff.BackOff
}

func NewReconnectPolicy(base time.Duration, maxAttempts int) *ReconnectPolicy {
	if base <= 0 {
		base = DefaultReconnectBaseDelay
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	p := &ReconnectPolicy{base: base, maxAttempts: maxAttempts}
	p.b = p.newBackOff()
	return p
}

func (p *ReconnectPolicy) newBackOff() backoff.BackOff {
	maxInterval := p.base << uint(p.maxAttempts)
	if maxInterval < p.base {
		maxInterval = p.base
	}
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.base),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(eb, uint64(p.maxAttempts))
}

// Next returns the delay before the next attempt and advances the
// attempt counter. ok is false once maxAttempts delays have been issued.
func (p *ReconnectPolicy) Next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	p.attempt++
	return d, true
}

// Reset sets the attempt counter back to zero, after a successful open.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt = 0
	p.b.Reset()
}

// Attempt returns the number of delays issued since the last Reset
func (p *ReconnectPolicy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

func (p *ReconnectPolicy) MaxAttempts() int {
	return p.maxAttempts
}
