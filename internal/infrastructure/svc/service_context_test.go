package svc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlstream/internal/application/port"
	"hlstream/internal/application/service"
	"hlstream/internal/domain"
	"hlstream/internal/infrastructure/config"
	"hlstream/internal/infrastructure/transport"
	"hlstream/internal/infrastructure/websocket"
)

type idleClient struct{ name string }

func (c *idleClient) Subscribe(context.Context, string, any, port.Listener) (port.Subscription, error) {
	return nil, context.Canceled
}
func (c *idleClient) Name() string { return c.name }
func (c *idleClient) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (c *idleClient) Connected() bool { return false }
func (c *idleClient) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	transport.Register("SVCFAKE", func(cfg transport.ExchangeConfig) transport.Client {
		return &idleClient{name: cfg.Name}
	})
	cfg := config.Default()
	cfg.Exchanges = map[string]config.ExchangeConfig{"SVCFAKE": {Enabled: true, WsURL: "ws://fake"}}
	cfg.SQLite.Enabled = true
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "svc.db")
	cfg.Streams.Coins = []string{"BTC", "ETH"}
	cfg.Streams.CandleIntervals = []string{"1m"}
	cfg.Streams.Books = true
	cfg.Streams.AllMids = true
	return cfg
}

func TestServiceContextWiring(t *testing.T) {
	sc, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer sc.Close()

	require.NotNil(t, sc.Registry())
	require.NotNil(t, sc.Candles())
	assert.Equal(t, []string{"SVCFAKE"}, sc.GetWebSocketManager().Names())

	deps, err := sc.BuildMonitorServiceDeps()
	require.NoError(t, err)
	assert.Len(t, deps.Feeds, 3) // two books + allMids
	assert.Len(t, deps.CandleFeeds, 2)

	// sqlite backs the repository, reached through the HTTP fallback
	key, err := service.CandleKey("BTC", "1m")
	require.NoError(t, err)
	require.NoError(t, sc.Repository().UpsertLastBar(context.Background(), key,
		domain.Bar{OpenTime: 60_000, Coin: "BTC", Interval: "1m", Close: decimal.NewFromInt(1)}))

	handler := sc.BuildHTTPServer().Handler()
	for path, code := range map[string]int{
		"/healthz":        http.StatusOK,
		"/candles/BTC/1m": http.StatusOK,
		"/candles/ETH/1m": http.StatusNotFound,
		"/metrics":        http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, rec.Code, path)
	}
}

func TestServiceContextRejectsBadReleasePolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Subscriptions.ReleasePolicy = "forever"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestServiceContextWaitTransport(t *testing.T) {
	sc, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer sc.Close()

	sc.GetWebSocketManager().SetRetryConfig(websocket.RetryConfig{
		MaxRetries: 2,
		InitialDel: time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	assert.ErrorIs(t, sc.WaitTransport(context.Background()), websocket.ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sc.WaitTransport(ctx), context.Canceled)
}
