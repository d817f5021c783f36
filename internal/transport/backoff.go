package transport

import (
	"math"
	"time"
)

// ReconnectPolicy defines reconnect backoff parameters.
// Retries are unlimited; only Disconnect stops them.
type ReconnectPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Decay     float64
}

// DefaultReconnectPolicy returns 1s base, 1.5 decay, 30s cap.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay: 1 * time.Second,
		MaxDelay:  30 * time.Second,
		Decay:     1.5,
	}
}

// Delay returns min(BaseDelay * Decay^attempts, MaxDelay).
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Decay, float64(attempts))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Decay < 1 {
		p.Decay = def.Decay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}
