package composite

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlstream/internal/domain"
)

type memRepo struct {
	bars   map[string]domain.Bar
	events []string
	getErr error
	putErr error
	closed bool
}

func newMemRepo() *memRepo { return &memRepo{bars: map[string]domain.Bar{}} }

func (m *memRepo) UpsertLastBar(_ context.Context, key string, bar domain.Bar) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.bars[key] = bar
	return nil
}

func (m *memRepo) GetLastBar(_ context.Context, key string) (domain.Bar, bool, error) {
	if m.getErr != nil {
		return domain.Bar{}, false, m.getErr
	}
	bar, ok := m.bars[key]
	return bar, ok, nil
}

func (m *memRepo) InsertStatusEvent(_ context.Context, key, status, _ string, _ int64) error {
	m.events = append(m.events, key+"="+status)
	return nil
}

func (m *memRepo) Close() error {
	m.closed = true
	return nil
}

func TestCompositeFanOutAndFirstHit(t *testing.T) {
	broken, a, b := newMemRepo(), newMemRepo(), newMemRepo()
	broken.getErr = errors.New("down")
	broken.putErr = errors.New("down")
	repo := New(nil, broken, a, b)
	require.Equal(t, 3, repo.Len())
	ctx := context.Background()

	bar := domain.Bar{OpenTime: 60_000, Coin: "ETH", Interval: "5m", Close: decimal.NewFromInt(3000)}
	err := repo.UpsertLastBar(ctx, "ETH:5m", bar)
	assert.EqualError(t, err, "down")
	assert.Contains(t, a.bars, "ETH:5m")
	assert.Contains(t, b.bars, "ETH:5m")

	got, ok, err := repo.GetLastBar(ctx, "ETH:5m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Close.Equal(bar.Close))

	_, ok, err = repo.GetLastBar(ctx, "BTC:1m")
	assert.False(t, ok)
	assert.EqualError(t, err, "down")

	require.NoError(t, repo.InsertStatusEvent(ctx, "l2Book:{}", "subscribed", "", 1))
	assert.Equal(t, []string{"l2Book:{}=subscribed"}, a.events)

	require.NoError(t, repo.Close())
	assert.True(t, a.closed && b.closed && broken.closed)
}
