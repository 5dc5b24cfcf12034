package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

const unsubscribeTimeout = 5 * time.Second

var errNilSubscription = errors.New("transport returned nil subscription")

// SubscribeFunc issues one physical subscription delivering events to listener.
type SubscribeFunc func(ctx context.Context, listener port.Listener) (port.Subscription, error)

// ReleasePolicy decides what happens to the published entry when the last consumer leaves.
type ReleasePolicy int

const (
	ReleaseDelete ReleasePolicy = iota
	ReleaseResetIdle
)

// ParseReleasePolicy accepts "delete" (default when empty) or "idle", with "reset" as an alias of idle.
func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "delete":
		return ReleaseDelete, nil
	case "idle", "reset":
		return ReleaseResetIdle, nil
	default:
		return ReleaseDelete, fmt.Errorf("unknown release policy %q", s)
	}
}

type RegistryConfig struct {
	Limits         domain.PayloadLimits
	MaxTrackedKeys int // soft ceiling, only warned about
	ReleasePolicy  ReleasePolicy
}

// RegistryStats is a point-in-time view used by health checks.
type RegistryStats struct {
	TrackedKeys     int   `json:"trackedKeys"`
	Live            int   `json:"live"`
	Pending         int   `json:"pending"`
	MaxTrackedKeys  int   `json:"maxTrackedKeys"`
	DroppedPayloads int64 `json:"droppedPayloads"`
}

// registryEntry is the bookkeeping for one key. An entry with refs == 0 only survives while
// its subscribe attempt is still in flight, so a quick re-acquire can adopt that attempt.
type registryEntry struct {
	refs      int
	gen       uint64
	pending   bool
	ready     chan struct{}
	sub       port.Subscription
	stopWatch func() bool
}

type subscribeResult struct {
	sub port.Subscription
	err error
}

// SubscriptionRegistry shares one physical subscription per key between any number of
// consumers and tears it down when the last consumer releases it.
type SubscriptionRegistry struct {
	cfg     RegistryConfig
	store   *WebSocketStore
	metrics port.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*registryEntry
	nextGen uint64

	dropped atomic.Int64
}

func NewSubscriptionRegistry(cfg RegistryConfig, store *WebSocketStore, metrics port.Metrics) *SubscriptionRegistry {
	if store == nil {
		store = NewWebSocketStore()
	}
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionRegistry{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*registryEntry),
	}
}

// Store returns the published store this registry writes to.
func (r *SubscriptionRegistry) Store() *WebSocketStore { return r.store }

// Acquire takes a reference on key. The first reference (or the first one after a failure)
// calls fn on a background goroutine; everyone else shares that attempt. The returned
// channel closes once the shared attempt has settled.
func (r *SubscriptionRegistry) Acquire(key string, fn SubscribeFunc) <-chan struct{} {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &registryEntry{}
		r.entries[key] = e
	}
	e.refs++
	tracked := r.trackedLocked()

	if e.pending || e.sub != nil {
		ready := e.ready
		// adopted an in-flight attempt released a moment ago
		adopted := e.refs == 1
		if adopted {
			r.store.setStatus(key, domain.StatusSubscribing, nil, nil)
		}
		r.mu.Unlock()
		if adopted {
			r.store.notify()
		}
		return ready
	}

	r.nextGen++
	e.gen = r.nextGen
	e.pending = true
	e.ready = make(chan struct{})
	gen, ready := e.gen, e.ready
	r.store.setStatus(key, domain.StatusSubscribing, nil, nil)
	r.mu.Unlock()

	r.store.notify()
	r.metrics.TrackedKeys(tracked)
	if r.cfg.MaxTrackedKeys > 0 && tracked > r.cfg.MaxTrackedKeys {
		log.Warn().
			Int("tracked", tracked).
			Int("max_tracked_keys", r.cfg.MaxTrackedKeys).
			Msg("subscription count above soft ceiling")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(ready)
		res := r.subscribe(key, gen, fn)
		r.settle(key, gen, res)
	}()
	return ready
}

// Release drops one reference on key. The last release unsubscribes in the background and
// deletes or resets the published entry.
func (r *SubscriptionRegistry) Release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.refs == 0 {
		r.mu.Unlock()
		log.Warn().Str("key", key).Msg("release without matching acquire")
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}

	var sub port.Subscription
	if !e.pending {
		delete(r.entries, key)
		if e.stopWatch != nil {
			e.stopWatch()
			e.stopWatch = nil
		}
		sub = e.sub
		e.sub = nil
	}
	r.applyReleasePolicyLocked(key)
	tracked := r.trackedLocked()
	r.mu.Unlock()

	r.store.notify()
	r.metrics.TrackedKeys(tracked)
	if sub != nil {
		r.unsubscribeAsync(key, sub)
	}
}

// SetData overwrites the published data of a tracked key.
func (r *SubscriptionRegistry) SetData(key string, data any) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.refs == 0 {
		r.mu.Unlock()
		return false
	}
	r.store.setData(key, data)
	r.mu.Unlock()
	r.store.notify()
	return true
}

// RefCount returns the number of consumers holding key.
func (r *SubscriptionRegistry) RefCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (r *SubscriptionRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RegistryStats{
		MaxTrackedKeys:  r.cfg.MaxTrackedKeys,
		DroppedPayloads: r.dropped.Load(),
	}
	for _, e := range r.entries {
		if e.refs > 0 {
			st.TrackedKeys++
		}
		if e.pending {
			st.Pending++
		}
		if e.sub != nil {
			st.Live++
		}
	}
	return st
}

// Healthy reports whether the tracked key count is within the soft ceiling.
func (r *SubscriptionRegistry) Healthy() bool {
	st := r.Stats()
	return st.MaxTrackedKeys <= 0 || st.TrackedKeys <= st.MaxTrackedKeys
}

// Close releases every key regardless of ref count and waits for background work.
func (r *SubscriptionRegistry) Close(ctx context.Context) error {
	r.cancel()

	r.mu.Lock()
	subs := make(map[string]port.Subscription)
	for key, e := range r.entries {
		if e.stopWatch != nil {
			e.stopWatch()
		}
		if e.sub != nil {
			subs[key] = e.sub
		}
		r.store.delete(key)
		delete(r.entries, key)
	}
	r.mu.Unlock()
	r.store.notify()

	for key, sub := range subs {
		r.unsubscribeAsync(key, sub)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry close: %w", ctx.Err())
	}
}

func (r *SubscriptionRegistry) subscribe(key string, gen uint64, fn SubscribeFunc) (res subscribeResult) {
	defer func() {
		if p := recover(); p != nil {
			res = subscribeResult{err: fmt.Errorf("subscribe %s panicked: %v", key, p)}
		}
	}()
	sub, err := fn(r.ctx, r.listener(key, gen))
	if err == nil && sub == nil {
		err = errNilSubscription
	}
	return subscribeResult{sub: sub, err: err}
}

func (r *SubscriptionRegistry) settle(key string, gen uint64, res subscribeResult) {
	kind := domain.KeyMethod(key)

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		if res.err == nil {
			r.unsubscribe(key, res.sub)
		}
		return
	}
	e.pending = false

	if e.refs == 0 {
		// everyone released while the subscribe was in flight
		delete(r.entries, key)
		r.mu.Unlock()
		if res.err == nil {
			log.Debug().Str("key", key).Msg("subscription resolved after release, tearing down")
			r.unsubscribe(key, res.sub)
		}
		return
	}

	if res.err != nil {
		r.store.setStatus(key, domain.StatusError, res.err, nil)
		r.mu.Unlock()
		r.store.notify()
		r.metrics.SubscribeFailed(kind)
		log.Error().Err(res.err).Str("key", key).Msg("subscribe failed")
		return
	}

	signal := res.sub.FailureSignal()
	e.sub = res.sub
	e.stopWatch = context.AfterFunc(signal, func() {
		r.onFailure(key, gen, context.Cause(signal))
	})
	r.store.setStatus(key, domain.StatusSubscribed, nil, signal)
	r.mu.Unlock()

	r.store.notify()
	log.Debug().Str("key", key).Msg("subscribed")
}

func (r *SubscriptionRegistry) onFailure(key string, gen uint64, cause error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen || e.sub == nil {
		r.mu.Unlock()
		return
	}
	e.sub = nil
	e.stopWatch = nil
	r.store.setStatus(key, domain.StatusError, cause, nil)
	r.mu.Unlock()

	r.store.notify()
	log.Warn().Err(cause).Str("key", key).Msg("subscription lost")
}

func (r *SubscriptionRegistry) listener(key string, gen uint64) port.Listener {
	kind := domain.KeyMethod(key)
	limit := r.cfg.Limits.Limit(kind)

	return func(ev port.Event) {
		if over := domain.IsPayloadOversized(ev.Data, limit); over.Oversized {
			r.dropped.Add(1)
			r.metrics.PayloadDropped(kind, over.Size)
			log.Debug().Str("key", key).Int("size", over.Size).Int("limit", limit).Msg("oversized payload dropped")
			return
		}

		r.mu.Lock()
		e, ok := r.entries[key]
		if !ok || e.gen != gen || e.refs == 0 {
			r.mu.Unlock()
			return
		}
		r.store.setData(key, ev.Data)
		r.mu.Unlock()
		r.store.notify()
	}
}

func (r *SubscriptionRegistry) applyReleasePolicyLocked(key string) {
	switch r.cfg.ReleasePolicy {
	case ReleaseResetIdle:
		r.store.reset(key)
	default:
		r.store.delete(key)
	}
}

func (r *SubscriptionRegistry) trackedLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.refs > 0 {
			n++
		}
	}
	return n
}

func (r *SubscriptionRegistry) unsubscribeAsync(key string, sub port.Subscription) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.unsubscribe(key, sub)
	}()
}

// unsubscribe never propagates: the consumer that triggered it may already be gone.
func (r *SubscriptionRegistry) unsubscribe(key string, sub port.Subscription) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("key", key).Msg("unsubscribe panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("unsubscribe failed")
	}
}
