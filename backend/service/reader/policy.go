package reader

import (
	"math"
	"time"

	"bilibililivetools/livetts/backend/config"
)

const defaultJitter = 0.2

// ReconnectPolicy is a capped exponential backoff with symmetric jitter.
type ReconnectPolicy struct {
	Enabled     bool
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int // 0 retries forever
	Jitter      float64
}

func PolicyFromConfig(cfg config.ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:     cfg.Enabled,
		Min:         time.Duration(cfg.MinDelayMs) * time.Millisecond,
		Max:         time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      defaultJitter,
	}
}

// Exhausted reports whether attempt (1-based) is past the limit.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay returns the wait before attempt (1-based). unit is a uniform sample in
// [0,1) that places the result inside the jitter band.
func (p ReconnectPolicy) Delay(attempt int, unit float64) time.Duration {
	minDelay := p.Min
	if minDelay <= 0 {
		minDelay = time.Second
	}
	maxDelay := p.Max
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	base := float64(minDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(maxDelay) {
		base = float64(maxDelay)
	}
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if unit < 0 {
		unit = 0
	}
	if unit > 1 {
		unit = 1
	}
	return time.Duration(base * (1 + jitter*(2*unit-1)))
}
