package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestReconnectPolicyDelayMonotonic(t *testing.T) {
	p := DefaultReconnectPolicy()
	prev := time.Duration(0)
	for i := 1; i <= 64; i++ {
		d := p.Delay(i)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestReconnectPolicyNextEntersCooldown(t *testing.T) {
	p := ReconnectPolicy{
		BaseDelay:                 100 * time.Millisecond,
		MaxDelay:                  time.Second,
		Multiplier:                2,
		MaxAttemptsBeforeCooldown: 3,
		Cooldown:                  time.Minute,
	}

	attempts := 0
	var d ReconnectDecision
	for i := 0; i < 3; i++ {
		attempts, d = p.Next(attempts)
		assert.False(t, d.Cooldown, "attempt %d", attempts)
	}
	assert.Equal(t, 400*time.Millisecond, d.Delay)

	attempts, d = p.Next(attempts)
	assert.Equal(t, 4, attempts)
	assert.True(t, d.Cooldown)
	assert.Equal(t, time.Minute, d.Delay)
}
