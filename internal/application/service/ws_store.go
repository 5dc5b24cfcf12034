package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hlstream/internal/domain"
)

var errDeadSignal = errors.New("subscription failure signal missing or already aborted")

// Entry is the published state of one subscription key.
type Entry struct {
	Key           string
	Status        domain.SubscriptionStatus
	Data          any
	Err           error
	FailureSignal context.Context
	UpdatedAt     time.Time
}

// WebSocketStore is the published key -> Entry map read by consumers.
// The SubscriptionRegistry is its only writer in production.
type WebSocketStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	version uint64
	now     func() time.Time

	notifier
}

func NewWebSocketStore() *WebSocketStore {
	return &WebSocketStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Subscribe registers fn to run after every change. The returned func unregisters it.
func (s *WebSocketStore) Subscribe(fn func()) func() {
	return s.subscribe(fn)
}

// Get returns the entry for key.
func (s *WebSocketStore) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Snapshot copies every entry.
func (s *WebSocketStore) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Keys returns the published keys in sorted order.
func (s *WebSocketStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of published entries.
func (s *WebSocketStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Version increments on every change.
func (s *WebSocketStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *WebSocketStore) SetStatus(key string, status domain.SubscriptionStatus, err error, signal context.Context) {
	if s.setStatus(key, status, err, signal) {
		s.notify()
	}
}

func (s *WebSocketStore) SetData(key string, data any) {
	if s.setData(key, data) {
		s.notify()
	}
}

// Merge applies fn to the entry for key (zero Entry when absent) and stores the result.
func (s *WebSocketStore) Merge(key string, fn func(Entry) Entry) {
	if s.merge(key, fn) {
		s.notify()
	}
}

// Reset moves key back to idle, dropping error and signal but keeping the last data.
func (s *WebSocketStore) Reset(key string) {
	if s.reset(key) {
		s.notify()
	}
}

func (s *WebSocketStore) Delete(key string) {
	if s.delete(key) {
		s.notify()
	}
}

// The lower-case mutators below do not notify. Callers holding their own lock use them
// and call notify once the lock is released.

func (s *WebSocketStore) setStatus(key string, status domain.SubscriptionStatus, err error, signal context.Context) bool {
	return s.merge(key, func(e Entry) Entry {
		e.Status = status
		e.Err = err
		e.FailureSignal = signal
		return e
	})
}

func (s *WebSocketStore) setData(key string, data any) bool {
	return s.merge(key, func(e Entry) Entry {
		e.Data = data
		return e
	})
}

func (s *WebSocketStore) reset(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.Status = domain.StatusIdle
	e.Err = nil
	e.FailureSignal = nil
	e.UpdatedAt = s.now()
	s.entries[key] = e
	s.version++
	return true
}

func (s *WebSocketStore) delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	s.version++
	return true
}

func (s *WebSocketStore) merge(key string, fn func(Entry) Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := fn(s.entries[key])
	e.Key = key
	e.UpdatedAt = s.now()

	// subscribed always carries a live failure signal
	if e.Status == domain.StatusSubscribed && (e.FailureSignal == nil || e.FailureSignal.Err() != nil) {
		e.Status = domain.StatusError
		if e.FailureSignal != nil {
			e.Err = context.Cause(e.FailureSignal)
		} else {
			e.Err = errDeadSignal
		}
		e.FailureSignal = nil
	}

	s.entries[key] = e
	s.version++
	return true
}
