package port

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrConnectionLost is the failure-signal cause when the socket carrying a subscription dies.
	ErrConnectionLost = errors.New("websocket connection lost")

	// ErrUnsubscribed is the failure-signal cause after an intentional Unsubscribe.
	ErrUnsubscribed = errors.New("subscription closed")
)

// Event is one inbound frame routed to a subscription.
type Event struct {
	Channel    string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Listener receives events for one subscription. It may be called any number of times
// after Subscribe returns, always from the transport's read goroutine.
type Listener func(Event)

// Subscription is a live physical subscription.
type Subscription interface {
	// Unsubscribe tears the subscription down. Best-effort.
	Unsubscribe(ctx context.Context) error

	// FailureSignal is cancelled exactly once when the subscription is lost for good.
	// context.Cause reports why.
	FailureSignal() context.Context
}

// Transport issues physical subscriptions.
type Transport interface {
	Subscribe(ctx context.Context, method string, params any, listener Listener) (Subscription, error)
}
