package domain

import "time"

// ReconnectPolicy controls backoff between reconnect attempts and the cooldown that
// replaces it once attempts run out.
type ReconnectPolicy struct {
	BaseDelay                 time.Duration
	MaxDelay                  time.Duration
	Multiplier                float64
	MaxAttemptsBeforeCooldown int
	Cooldown                  time.Duration
}

// DefaultReconnectPolicy returns the production defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:                 1 * time.Second,
		MaxDelay:                  30 * time.Second,
		Multiplier:                2,
		MaxAttemptsBeforeCooldown: 5,
		Cooldown:                  60 * time.Second,
	}
}

// Delay returns the backoff before the given attempt (1-based).
// Logic: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ReconnectDecision tells the caller which timer to arm next.
type ReconnectDecision struct {
	Cooldown bool
	Delay    time.Duration
}

// Next advances the attempt counter after a failure and decides between a backoff retry
// and the flat cooldown.
func (p ReconnectPolicy) Next(attempts int) (int, ReconnectDecision) {
	attempts++
	if attempts > p.MaxAttemptsBeforeCooldown {
		return attempts, ReconnectDecision{Cooldown: true, Delay: p.Cooldown}
	}
	return attempts, ReconnectDecision{Delay: p.Delay(attempts)}
}
