package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

const candleMethod = "candle"

var ErrStoreClosed = errors.New("candle store closed")

// CandleListener receives the ticks of one candle stream.
// OnResetCache runs when the stream is lost so the consumer can drop derived chart state.
type CandleListener struct {
	OnTick       func(domain.Bar)
	OnResetCache func()
}

// BarDecoder turns a raw candle frame into a Bar.
type BarDecoder func(raw json.RawMessage) (domain.Bar, error)

// LastBarCache holds the most recent bar per stream key.
type LastBarCache interface {
	Set(key string, bar domain.Bar) bool
	Get(key string) (domain.Bar, bool)
	Remove(key string) bool
	Len() int
}

type CandleStoreDeps struct {
	Transport port.Transport
	Decode    BarDecoder
	Cache     LastBarCache
	Limits    domain.PayloadLimits
	Policy    domain.ReconnectPolicy
	Clock     Clock
	Metrics   port.Metrics
}

// CandleStream is the published view of one stream.
type CandleStream struct {
	Key         string              `json:"key"`
	Coin        string              `json:"coin"`
	Interval    string              `json:"interval"`
	Status      domain.StreamStatus `json:"status"`
	Attempts    int                 `json:"reconnectAttempts"`
	CoolingDown bool                `json:"coolingDown"`
	Err         error               `json:"-"`
	LastBar     *domain.Bar         `json:"lastBar,omitempty"`
	Listeners   int                 `json:"listeners"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

type CandleStats struct {
	Streams         int   `json:"streams"`
	Runtimes        int   `json:"runtimes"`
	Listeners       int   `json:"listeners"`
	Live            int   `json:"live"`
	Pending         int   `json:"pending"`
	ReconnectTimers int   `json:"reconnectTimers"`
	CooldownTimers  int   `json:"cooldownTimers"`
	CachedBars      int   `json:"cachedBars"`
	DroppedPayloads int64 `json:"droppedPayloads"`
	DecodeErrors    int64 `json:"decodeErrors"`
}

type candleStream struct {
	coin      string
	interval  string
	listeners map[string]CandleListener
	lastBar   domain.Bar
	hasBar    bool
	updatedAt time.Time
}

type streamRuntime struct {
	state     streamState
	gen       uint64
	sub       port.Subscription
	pending   bool
	stopWatch func() bool

	reconnect    Timer
	reconnectSeq uint64
	cooldown     Timer
	cooldownSeq  uint64
}

// CandleStore keeps candle streams alive for as long as they have listeners, reconnecting
// with backoff and falling back to a cooldown after repeated failures.
type CandleStore struct {
	deps CandleStoreDeps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	streams  map[string]*candleStream
	runtimes map[string]*streamRuntime
	nextGen  uint64
	timerSeq uint64
	version  uint64
	closed   bool

	dropped      atomic.Int64
	decodeErrors atomic.Int64

	notifier
}

func NewCandleStore(deps CandleStoreDeps) (*CandleStore, error) {
	if deps.Transport == nil {
		return nil, errors.New("candle store: transport is required")
	}
	if deps.Decode == nil {
		return nil, errors.New("candle store: decoder is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("candle store: last bar cache is required")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = port.NopMetrics{}
	}
	if deps.Policy == (domain.ReconnectPolicy{}) {
		deps.Policy = domain.DefaultReconnectPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CandleStore{
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*candleStream),
		runtimes: make(map[string]*streamRuntime),
	}, nil
}

// CandleKey is the stream key for a coin/interval pair.
func CandleKey(coin, interval string) (string, error) {
	return domain.SerializeKey(candleMethod, map[string]string{"coin": coin, "interval": interval})
}

// Subscribe registers listener id on key, starting the physical subscription when the key has
// no runtime yet. A late joiner on an active stream receives the last bar right away.
func (s *CandleStore) Subscribe(key, coin, interval, listenerID string, l CandleListener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	st, ok := s.streams[key]
	if !ok {
		st = &candleStream{
			coin:      coin,
			interval:  interval,
			listeners: make(map[string]CandleListener),
		}
		s.streams[key] = st
	}
	st.listeners[listenerID] = l

	var (
		gen     uint64
		start   bool
		replay  bool
		lastBar domain.Bar
	)
	rt, ok := s.runtimes[key]
	if !ok {
		rt = &streamRuntime{}
		s.runtimes[key] = rt
		gen = s.beginConnectLocked(rt)
		start = true
	} else if rt.state.Status == domain.StreamActive && st.hasBar {
		replay = true
		lastBar = st.lastBar
	}
	coin, interval = st.coin, st.interval
	s.version++
	s.mu.Unlock()

	s.notify()
	if replay && l.OnTick != nil {
		isolate("candle tick", func() { l.OnTick(lastBar) })
	}
	if start {
		s.spawnConnect(key, coin, interval, gen)
	}
	return nil
}

// Unsubscribe removes listener id from key. The last listener tears the stream down: timers,
// watcher, runtime, cached bar and the physical subscription.
func (s *CandleStore) Unsubscribe(key, listenerID string) {
	s.mu.Lock()
	st, ok := s.streams[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := st.listeners[listenerID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(st.listeners, listenerID)
	if len(st.listeners) > 0 {
		s.version++
		s.mu.Unlock()
		s.notify()
		return
	}

	var sub port.Subscription
	if rt, ok := s.runtimes[key]; ok {
		stopTimersLocked(rt)
		if rt.stopWatch != nil {
			rt.stopWatch()
			rt.stopWatch = nil
		}
		sub = rt.sub
		rt.sub = nil
		delete(s.runtimes, key)
	}
	delete(s.streams, key)
	s.deps.Cache.Remove(key)
	s.version++
	s.mu.Unlock()

	s.notify()
	log.Debug().Str("key", key).Msg("candle stream torn down")
	if sub != nil {
		s.unsubscribeAsync(key, sub)
	}
}

// Snapshot returns the published view of key.
func (s *CandleStore) Snapshot(key string) (CandleStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return CandleStream{}, false
	}
	return s.viewLocked(key, st), true
}

// Streams returns every stream ordered by key.
func (s *CandleStore) Streams() []CandleStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]CandleStream, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.viewLocked(k, s.streams[k]))
	}
	return out
}

// LastBar reads through the LRU cache, refreshing the key's recency.
func (s *CandleStore) LastBar(key string) (domain.Bar, bool) {
	if bar, ok := s.deps.Cache.Get(key); ok {
		return bar, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[key]; ok && st.hasBar {
		return st.lastBar, true
	}
	return domain.Bar{}, false
}

// OnChange registers fn to run after every published change.
func (s *CandleStore) OnChange(fn func()) func() {
	return s.subscribe(fn)
}

// Version increments on every published change.
func (s *CandleStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *CandleStore) Stats() CandleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := CandleStats{
		Streams:         len(s.streams),
		Runtimes:        len(s.runtimes),
		CachedBars:      s.deps.Cache.Len(),
		DroppedPayloads: s.dropped.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
	}
	for _, cs := range s.streams {
		st.Listeners += len(cs.listeners)
	}
	for _, rt := range s.runtimes {
		if rt.sub != nil {
			st.Live++
		}
		if rt.pending {
			st.Pending++
		}
		if rt.reconnect != nil {
			st.ReconnectTimers++
		}
		if rt.cooldown != nil {
			st.CooldownTimers++
		}
	}
	return st
}

// Close drops every stream and waits for in-flight subscribes and unsubscribes.
func (s *CandleStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make(map[string]port.Subscription)
	for key, rt := range s.runtimes {
		stopTimersLocked(rt)
		if rt.stopWatch != nil {
			rt.stopWatch()
		}
		if rt.sub != nil {
			subs[key] = rt.sub
		}
		delete(s.runtimes, key)
	}
	for key := range s.streams {
		s.deps.Cache.Remove(key)
		delete(s.streams, key)
	}
	s.version++
	s.mu.Unlock()

	s.cancel()
	s.notify()
	for key, sub := range subs {
		s.unsubscribeAsync(key, sub)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("candle store close: %w", ctx.Err())
	}
}

func (s *CandleStore) beginConnectLocked(rt *streamRuntime) uint64 {
	s.nextGen++
	rt.gen = s.nextGen
	rt.pending = true
	rt.state = rt.state.connecting()
	return rt.gen
}

func (s *CandleStore) spawnConnect(key, coin, interval string, gen uint64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connect(key, coin, interval, gen)
	}()
}

func (s *CandleStore) connect(key, coin, interval string, gen uint64) {
	res := s.subscribeCandle(key, coin, interval, gen)

	s.mu.Lock()
	rt, ok := s.runtimes[key]
	if !ok || rt.gen != gen {
		s.mu.Unlock()
		if res.err == nil {
			log.Debug().Str("key", key).Msg("candle subscription resolved after teardown")
			s.unsubscribe(key, res.sub)
		}
		return
	}
	rt.pending = false

	if res.err != nil {
		s.failLocked(key, rt, res.err)
		s.version++
		s.mu.Unlock()
		s.notify()
		s.deps.Metrics.SubscribeFailed(candleMethod)
		log.Error().Err(res.err).Str("key", key).Msg("candle subscribe failed")
		return
	}

	signal := res.sub.FailureSignal()
	rt.sub = res.sub
	rt.state = rt.state.connected()
	rt.stopWatch = context.AfterFunc(signal, func() {
		s.onAbort(key, gen, context.Cause(signal))
	})
	s.version++
	s.mu.Unlock()

	s.notify()
	log.Info().Str("key", key).Msg("candle stream active")
}

func (s *CandleStore) subscribeCandle(key, coin, interval string, gen uint64) (res subscribeResult) {
	defer func() {
		if p := recover(); p != nil {
			res = subscribeResult{err: fmt.Errorf("subscribe %s panicked: %v", key, p)}
		}
	}()
	params := map[string]string{"coin": coin, "interval": interval}
	sub, err := s.deps.Transport.Subscribe(s.ctx, candleMethod, params, s.barListener(key, gen))
	if err == nil && sub == nil {
		err = errNilSubscription
	}
	return subscribeResult{sub: sub, err: err}
}

func (s *CandleStore) onAbort(key string, gen uint64, cause error) {
	s.mu.Lock()
	rt, ok := s.runtimes[key]
	if !ok || rt.gen != gen || rt.sub == nil {
		s.mu.Unlock()
		return
	}
	rt.sub = nil
	rt.stopWatch = nil
	s.failLocked(key, rt, cause)

	var resets []func()
	if st, ok := s.streams[key]; ok {
		for _, l := range st.listeners {
			if l.OnResetCache != nil {
				resets = append(resets, l.OnResetCache)
			}
		}
	}
	s.version++
	s.mu.Unlock()

	s.notify()
	log.Warn().Err(cause).Str("key", key).Msg("candle stream lost")
	for _, fn := range resets {
		isolate("candle reset", fn)
	}
}

// failLocked moves rt to error and arms the next reconnect or cooldown timer.
func (s *CandleStore) failLocked(key string, rt *streamRuntime, cause error) {
	if cause == nil {
		cause = port.ErrConnectionLost
	}
	state, d := rt.state.failed(s.deps.Policy, cause)
	rt.state = state
	s.scheduleLocked(key, rt, d)
}

// scheduleLocked clears whichever timer is armed before arming the next one, so a key never
// holds a reconnect and a cooldown timer at once.
func (s *CandleStore) scheduleLocked(key string, rt *streamRuntime, d domain.ReconnectDecision) {
	stopTimersLocked(rt)
	s.timerSeq++
	seq := s.timerSeq

	if d.Cooldown {
		rt.cooldownSeq = seq
		rt.cooldown = s.deps.Clock.AfterFunc(d.Delay, func() { s.onCooldownElapsed(key, seq) })
		s.deps.Metrics.CooldownEntered(key)
		log.Warn().
			Str("key", key).
			Int("attempt", rt.state.Attempts).
			Int64("delay_ms", d.Delay.Milliseconds()).
			Msg("reconnect attempts exhausted, cooling down")
		return
	}

	rt.reconnectSeq = seq
	rt.reconnect = s.deps.Clock.AfterFunc(d.Delay, func() { s.onReconnectTimer(key, seq) })
	s.deps.Metrics.ReconnectScheduled(key, d.Delay)
	log.Info().
		Str("key", key).
		Int("attempt", rt.state.Attempts).
		Int64("delay_ms", d.Delay.Milliseconds()).
		Msg("reconnect scheduled")
}

func (s *CandleStore) onReconnectTimer(key string, seq uint64) {
	s.mu.Lock()
	rt, ok := s.runtimes[key]
	if !ok || rt.reconnectSeq != seq {
		s.mu.Unlock()
		return
	}
	rt.reconnect = nil
	rt.reconnectSeq = 0
	s.reconnectLocked(key, rt)
}

func (s *CandleStore) onCooldownElapsed(key string, seq uint64) {
	s.mu.Lock()
	rt, ok := s.runtimes[key]
	if !ok || rt.cooldownSeq != seq {
		s.mu.Unlock()
		return
	}
	rt.cooldown = nil
	rt.cooldownSeq = 0
	rt.state = rt.state.cooldownElapsed()
	log.Info().Str("key", key).Msg("cooldown elapsed")
	s.reconnectLocked(key, rt)
}

// reconnectLocked unlocks s.mu. Listener count and live state are checked at fire time.
func (s *CandleStore) reconnectLocked(key string, rt *streamRuntime) {
	st, ok := s.streams[key]
	if !ok || len(st.listeners) == 0 || rt.sub != nil || rt.pending {
		s.version++
		s.mu.Unlock()
		s.notify()
		return
	}
	gen := s.beginConnectLocked(rt)
	coin, interval := st.coin, st.interval
	s.version++
	s.mu.Unlock()

	s.notify()
	s.spawnConnect(key, coin, interval, gen)
}

func (s *CandleStore) barListener(key string, gen uint64) port.Listener {
	limit := s.deps.Limits.Limit(candleMethod)

	return func(ev port.Event) {
		if over := domain.IsPayloadOversized(ev.Data, limit); over.Oversized {
			s.dropped.Add(1)
			s.deps.Metrics.PayloadDropped(candleMethod, over.Size)
			return
		}
		bar, err := s.deps.Decode(ev.Data)
		if err != nil {
			s.decodeErrors.Add(1)
			log.Debug().Err(err).Str("key", key).Msg("candle decode failed")
			return
		}

		s.mu.Lock()
		rt, ok := s.runtimes[key]
		st, sok := s.streams[key]
		if !ok || !sok || rt.gen != gen {
			s.mu.Unlock()
			return
		}
		rt.state = rt.state.barReceived()

		unchanged := st.hasBar && domain.SameBar(st.lastBar, bar) && rt.state.healthy()
		if !unchanged {
			st.lastBar = bar
			st.hasBar = true
			st.updatedAt = s.deps.Clock.Now()
			s.version++
		}
		s.deps.Cache.Set(key, st.lastBar)

		ticks := make([]func(domain.Bar), 0, len(st.listeners))
		for _, l := range st.listeners {
			if l.OnTick != nil {
				ticks = append(ticks, l.OnTick)
			}
		}
		s.mu.Unlock()

		if !unchanged {
			s.notify()
		}
		for _, fn := range ticks {
			isolate("candle tick", func() { fn(bar) })
		}
	}
}

func (s *CandleStore) viewLocked(key string, st *candleStream) CandleStream {
	v := CandleStream{
		Key:       key,
		Coin:      st.coin,
		Interval:  st.interval,
		Listeners: len(st.listeners),
		UpdatedAt: st.updatedAt,
	}
	if rt, ok := s.runtimes[key]; ok {
		v.Status = rt.state.Status
		v.Attempts = rt.state.Attempts
		v.CoolingDown = rt.state.CoolingDown
		v.Err = rt.state.Err
	}
	if st.hasBar {
		bar := st.lastBar
		v.LastBar = &bar
	}
	return v
}

func stopTimersLocked(rt *streamRuntime) {
	if rt.reconnect != nil {
		rt.reconnect.Stop()
		rt.reconnect = nil
		rt.reconnectSeq = 0
	}
	if rt.cooldown != nil {
		rt.cooldown.Stop()
		rt.cooldown = nil
		rt.cooldownSeq = 0
	}
}

func (s *CandleStore) unsubscribeAsync(key string, sub port.Subscription) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.unsubscribe(key, sub)
	}()
}

func (s *CandleStore) unsubscribe(key string, sub port.Subscription) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("key", key).Msg("candle unsubscribe panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("candle unsubscribe failed")
	}
}
