package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlstream/internal/application/port"
	"hlstream/internal/application/service"
	"hlstream/internal/domain"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type stubSub struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (s *stubSub) Unsubscribe(context.Context) error {
	s.cancel(port.ErrUnsubscribed)
	return nil
}
func (s *stubSub) FailureSignal() context.Context { return s.ctx }

type stubTransport struct {
	mu        sync.Mutex
	listeners []port.Listener
}

func (t *stubTransport) Subscribe(context.Context, string, any, port.Listener) (port.Subscription, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &stubSub{ctx: ctx, cancel: cancel}, nil
}

func (t *stubTransport) subscribe(_ context.Context, l port.Listener) (port.Subscription, error) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
	return t.Subscribe(context.Background(), "", nil, l)
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]domain.Bar
}

func (c *mapCache) Set(key string, bar domain.Bar) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = bar
	return true
}

func (c *mapCache) Get(key string) (domain.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bar, ok := c.m[key]
	return bar, ok
}

func (c *mapCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return true
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

type repoStub struct{ bars map[string]domain.Bar }

func (r repoStub) UpsertLastBar(context.Context, string, domain.Bar) error { return nil }
func (r repoStub) GetLastBar(_ context.Context, key string) (domain.Bar, bool, error) {
	bar, ok := r.bars[key]
	return bar, ok, nil
}
func (r repoStub) InsertStatusEvent(context.Context, string, string, string, int64) error {
	return nil
}
func (r repoStub) Close() error { return nil }

type harness struct {
	registry *service.SubscriptionRegistry
	candles  *service.CandleStore
	cache    *mapCache
	tr       *stubTransport
	handler  http.Handler
}

func newHarness(t *testing.T, maxTracked int) *harness {
	t.Helper()
	h := &harness{
		tr:    &stubTransport{},
		cache: &mapCache{m: map[string]domain.Bar{}},
	}
	h.registry = service.NewSubscriptionRegistry(service.RegistryConfig{MaxTrackedKeys: maxTracked}, nil, nil)
	var err error
	h.candles, err = service.NewCandleStore(service.CandleStoreDeps{
		Transport: h.tr,
		Decode:    func(json.RawMessage) (domain.Bar, error) { return domain.Bar{}, nil },
		Cache:     h.cache,
	})
	require.NoError(t, err)

	ethKey, _ := service.CandleKey("ETH", "1h")
	repo := repoStub{bars: map[string]domain.Bar{ethKey: {OpenTime: 3_600_000, Coin: "ETH", Interval: "1h", Close: decimal.NewFromInt(3100)}}}
	h.handler = NewServer(":0", Deps{
		Registry: h.registry,
		Candles:  h.candles,
		Repo:     repo,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("hlstream_up 1\n"))
		}),
	}).Handler()

	t.Cleanup(func() {
		_ = h.candles.Close(context.Background())
		_ = h.registry.Close(context.Background())
	})
	return h
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func awaitReady(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not settle")
	}
}

func TestHealthzReflectsSoftCeiling(t *testing.T) {
	h := newHarness(t, 1)

	awaitReady(t, h.registry.Acquire(`l2Book:{"coin":"BTC"}`, h.tr.subscribe))
	rec := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	awaitReady(t, h.registry.Acquire(`l2Book:{"coin":"ETH"}`, h.tr.subscribe))
	rec = h.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status        string                `json:"status"`
		Subscriptions service.RegistryStats `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, 2, body.Subscriptions.TrackedKeys)
}

func TestSubscriptionsListing(t *testing.T) {
	h := newHarness(t, 0)
	key := `trades:{"coin":"SOL"}`
	awaitReady(t, h.registry.Acquire(key, h.tr.subscribe))
	require.True(t, h.registry.SetData(key, json.RawMessage(`[{"px":"150"}]`)))
	awaitReady(t, h.registry.Acquire("allMids:null", h.tr.subscribe))

	rec := h.get(t, "/subscriptions?method=trades&data=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, key, views[0]["key"])
	assert.Equal(t, "subscribed", views[0]["status"])
	assert.Equal(t, true, views[0]["hasData"])
	assert.NotNil(t, views[0]["data"])
}

func TestLastBarCacheThenRepository(t *testing.T) {
	h := newHarness(t, 0)
	btcKey, _ := service.CandleKey("BTC", "1m")
	h.cache.Set(btcKey, domain.Bar{OpenTime: 60_000, Coin: "BTC", Interval: "1m", Close: decimal.NewFromInt(65000)})

	rec := h.get(t, "/candles/btc/1m")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"cache"`)

	rec = h.get(t, "/candles/ETH/1h")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"repository"`)

	rec = h.get(t, "/candles/DOGE/1m")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCandleStreamsAndMetrics(t *testing.T) {
	h := newHarness(t, 0)
	key, _ := service.CandleKey("BTC", "5m")
	require.NoError(t, h.candles.Subscribe(key, "BTC", "5m", "l1", service.CandleListener{}))

	require.Eventually(t, func() bool {
		return h.get(t, "/candles").Body.String() != "[]"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.get(t, "/candles").Body.String(), `"coin":"BTC"`)

	rec := h.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hlstream_up 1")

	h.candles.Unsubscribe(key, "l1")
}
