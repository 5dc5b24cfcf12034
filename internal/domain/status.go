package domain

// SubscriptionStatus 共享订阅的发布状态
type SubscriptionStatus int

const (
	StatusIdle SubscriptionStatus = iota
	StatusSubscribing
	StatusSubscribed
	StatusError
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSubscribing:
		return "subscribing"
	case StatusSubscribed:
		return "subscribed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets the status render by name in JSON responses.
func (s SubscriptionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StreamStatus K线流（可自动重连）的状态
type StreamStatus int

const (
	StreamIdle StreamStatus = iota
	StreamConnecting
	StreamActive
	StreamError
)

func (s StreamStatus) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamActive:
		return "active"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

func (s StreamStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
