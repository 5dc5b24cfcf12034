package service

import (
	"fmt"

	"hlstream/internal/domain"
)

// streamState is the per-key reconnect state. Transitions are pure so they can be tested
// without timers or a transport.
type streamState struct {
	Status      domain.StreamStatus
	Attempts    int
	CoolingDown bool
	Err         error
}

func (s streamState) connecting() streamState {
	s.Status = domain.StreamConnecting
	s.CoolingDown = false
	s.Err = nil
	return s
}

func (s streamState) connected() streamState {
	s.Status = domain.StreamActive
	s.Err = nil
	return s
}

// barReceived resets the attempt counter; the first bar proves the reconnect worked.
func (s streamState) barReceived() streamState {
	s.Attempts = 0
	return s
}

// failed records cause and picks the next timer from policy.
func (s streamState) failed(policy domain.ReconnectPolicy, cause error) (streamState, domain.ReconnectDecision) {
	attempts, d := policy.Next(s.Attempts)
	s.Attempts = attempts
	s.Status = domain.StreamError
	if d.Cooldown {
		s.CoolingDown = true
		s.Err = fmt.Errorf("%w after %d attempts: %w", domain.ErrCooldownActive, attempts-1, cause)
	} else {
		s.Err = cause
	}
	return s, d
}

func (s streamState) cooldownElapsed() streamState {
	s.Attempts = 0
	s.CoolingDown = false
	return s
}

// healthy reports an active stream without a recorded error.
func (s streamState) healthy() bool {
	return s.Status == domain.StreamActive && s.Err == nil
}
