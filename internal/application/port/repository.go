package port

import (
	"context"

	"hlstream/internal/domain"
)

type Repository interface {
	// Last bar per candle stream key
	UpsertLastBar(ctx context.Context, key string, bar domain.Bar) error
	GetLastBar(ctx context.Context, key string) (domain.Bar, bool, error)

	// Status transitions of published subscriptions and candle streams
	InsertStatusEvent(ctx context.Context, key, status, reason string, ts int64) error

	// Connection management
	Close() error
}

// StatusEvent is one persisted status transition.
type StatusEvent struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Ts     int64  `json:"ts"`
}
