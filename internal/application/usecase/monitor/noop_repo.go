package monitor

import (
	"context"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

type noopRepo struct{}

func NewNoopRepo() port.Repository { return &noopRepo{} }

func (n *noopRepo) UpsertLastBar(ctx context.Context, key string, bar domain.Bar) error {
	return nil
}
func (n *noopRepo) GetLastBar(ctx context.Context, key string) (domain.Bar, bool, error) {
	return domain.Bar{}, false, nil
}
func (n *noopRepo) InsertStatusEvent(ctx context.Context, key, status, reason string, ts int64) error {
	return nil
}
func (n *noopRepo) Close() error { return nil }
