package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hlstream/internal/application/port"
	"hlstream/internal/application/service"
	"hlstream/internal/domain"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	goleak.VerifyTestMain(m)
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
	listeners map[string]port.Listener // method -> last listener
	subs      map[string]*stubSub
	failNext  map[string]int // method -> subscribe calls left to reject
	calls     map[string]int
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		listeners: map[string]port.Listener{},
		subs:      map[string]*stubSub{},
		failNext:  map[string]int{},
		calls:     map[string]int{},
	}
}

func (t *stubTransport) Subscribe(_ context.Context, method string, _ any, l port.Listener) (port.Subscription, error) {
	t.mu.Lock()
	t.calls[method]++
	if t.failNext[method] > 0 {
		t.failNext[method]--
		t.mu.Unlock()
		return nil, errors.New("websocket not connected")
	}
	t.mu.Unlock()

	ctx, cancel := context.WithCancelCause(context.Background())
	sub := &stubSub{ctx: ctx, cancel: cancel}
	t.mu.Lock()
	t.listeners[method] = l
	t.subs[method] = sub
	t.mu.Unlock()
	return sub, nil
}

func (t *stubTransport) emit(method, data string) bool {
	t.mu.Lock()
	l := t.listeners[method]
	t.mu.Unlock()
	if l == nil {
		return false
	}
	l(port.Event{Channel: method, Data: json.RawMessage(data), ReceivedAt: time.Now()})
	return true
}

func (t *stubTransport) callCount(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[method]
}

func (t *stubTransport) abort(method string, cause error) {
	t.mu.Lock()
	sub := t.subs[method]
	t.mu.Unlock()
	if sub != nil {
		sub.cancel(cause)
	}
}

type memRepo struct {
	mu     sync.Mutex
	bars   map[string]domain.Bar
	events []port.StatusEvent
}

func newMemRepo() *memRepo { return &memRepo{bars: map[string]domain.Bar{}} }

func (r *memRepo) UpsertLastBar(_ context.Context, key string, bar domain.Bar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bars[key] = bar
	return nil
}

func (r *memRepo) GetLastBar(_ context.Context, key string) (domain.Bar, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bar, ok := r.bars[key]
	return bar, ok, nil
}

func (r *memRepo) InsertStatusEvent(_ context.Context, key, status, reason string, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, port.StatusEvent{Key: key, Status: status, Reason: reason, Ts: ts})
	return nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) hasEvent(key, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Key == key && ev.Status == status {
			return true
		}
	}
	return false
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]domain.Bar
}

func (c *mapCache) Set(key string, bar domain.Bar) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.m[key]
	c.m[key] = bar
	return !ok || !domain.SameBar(old, bar)
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
	_, ok := c.m[key]
	delete(c.m, key)
	return ok
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) WriteLive(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *recordingSink) WriteSnapshot(_ time.Time, line string) error { return s.WriteLive(line) }
func (s *recordingSink) NewLine() error { return nil }

func (s *recordingSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

func decodeJSONBar(raw json.RawMessage) (domain.Bar, error) {
	var bar domain.Bar
	err := json.Unmarshal(raw, &bar)
	return bar, err
}

func TestPlanFeeds(t *testing.T) {
	feeds, candles, err := PlanFeeds([]string{"BTC", "ETH"}, []string{"1m"}, true, false, true, []string{"0xabc"})
	require.NoError(t, err)

	var keys []string
	for _, f := range feeds {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{
		`l2Book:{"coin":"BTC"}`,
		`l2Book:{"coin":"ETH"}`,
		`allMids:null`,
		`webData2:{"user":"0xabc"}`,
		`userFills:{"user":"0xabc"}`,
	}, keys)
	require.Len(t, candles, 2)
	assert.Equal(t, `candle:{"coin":"ETH","interval":"1m"}`, candles[1].Key)
}

func TestServiceRunsFeedsAndPersists(t *testing.T) {
	tr := newStubTransport()
	registry := service.NewSubscriptionRegistry(service.RegistryConfig{}, service.NewWebSocketStore(), nil)
	candles, err := service.NewCandleStore(service.CandleStoreDeps{
		Transport: tr,
		Decode:    decodeJSONBar,
		Cache:     &mapCache{m: map[string]domain.Bar{}},
	})
	require.NoError(t, err)

	feeds, candleFeeds, err := PlanFeeds([]string{"BTC"}, []string{"1m"}, true, false, false, nil)
	require.NoError(t, err)
	repo := newMemRepo()
	sink := &recordingSink{}
	svc := NewService(ServiceDeps{
		Transport:   tr,
		Registry:    registry,
		Candles:     candles,
		Feeds:       feeds,
		CandleFeeds: candleFeeds,
		PrintEvery:  20 * time.Millisecond,
		Sink:        sink,
		Repo:        repo,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	bookKey := feeds[0].Key
	candleKey := candleFeeds[0].Key
	require.Eventually(t, func() bool { return repo.hasEvent(bookKey, "subscribed") }, waitFor, tick)
	require.Eventually(t, func() bool { return repo.hasEvent(candleKey, "active") }, waitFor, tick)

	require.True(t, tr.emit("candle", `{"openTime":60000,"coin":"BTC","interval":"1m","open":"1","high":"2","low":"0.5","close":"1.5","volume":"10"}`))
	require.Eventually(t, func() bool {
		bar, ok, _ := repo.GetLastBar(context.Background(), candleKey)
		return ok && bar.Close.Equal(decimal.RequireFromString("1.5"))
	}, waitFor, tick)
	require.Eventually(t, func() bool { return strings.Contains(sink.last(), "BTC 1m 1.5") }, waitFor, tick)

	tr.abort("l2Book", errors.New("boom"))
	require.Eventually(t, func() bool { return repo.hasEvent(bookKey, "error") }, waitFor, tick)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, registry.RefCount(bookKey))
	assert.Empty(t, candles.Streams())

	require.NoError(t, candles.Close(context.Background()))
	require.NoError(t, registry.Close(context.Background()))
}

func TestServiceWithoutFeeds(t *testing.T) {
	svc := NewService(ServiceDeps{Registry: service.NewSubscriptionRegistry(service.RegistryConfig{}, service.NewWebSocketStore(), nil)})
	assert.ErrorIs(t, svc.Run(context.Background()), ErrNoFeeds)
}

func TestServiceRetriesFailedFeeds(t *testing.T) {
	tr := newStubTransport()
	tr.failNext["l2Book"] = 2
	registry := service.NewSubscriptionRegistry(service.RegistryConfig{}, service.NewWebSocketStore(), nil)

	feeds, _, err := PlanFeeds([]string{"BTC"}, nil, true, false, false, nil)
	require.NoError(t, err)
	repo := newMemRepo()
	svc := NewService(ServiceDeps{
		Transport: tr,
		Registry:  registry,
		Feeds:     feeds,
		Sink:      &recordingSink{},
		Repo:      repo,
		Retry: domain.ReconnectPolicy{
			BaseDelay:                 10 * time.Millisecond,
			MaxDelay:                  40 * time.Millisecond,
			Multiplier:                2,
			MaxAttemptsBeforeCooldown: 5,
			Cooldown:                  100 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	key := feeds[0].Key
	subscribed := func() bool {
		e, ok := registry.Store().Get(key)
		return ok && e.Status == domain.StatusSubscribed
	}

	// two rejected attempts, then the retry succeeds
	require.Eventually(t, subscribed, waitFor, tick)
	assert.Equal(t, 3, tr.callCount("l2Book"))
	assert.True(t, repo.hasEvent(key, "error"))
	assert.Equal(t, 1, registry.RefCount(key))

	// a lost subscription is re-acquired and data flows again
	tr.abort("l2Book", port.ErrConnectionLost)
	require.Eventually(t, func() bool { return tr.callCount("l2Book") == 4 }, waitFor, tick)
	require.Eventually(t, subscribed, waitFor, tick)
	require.True(t, tr.emit("l2Book", `{"coin":"BTC","levels":[[],[]]}`))
	require.Eventually(t, func() bool {
		e, _ := registry.Store().Get(key)
		return e.Data != nil
	}, waitFor, tick)
	assert.Equal(t, 1, registry.RefCount(key))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, registry.RefCount(key))
	require.NoError(t, registry.Close(context.Background()))
}
