package store

import (
	"sync"
	"time"
)

// Entry wraps a value with expiration metadata
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired
func (e *Entry[T]) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTLStore is a generic in-memory store with TTL support and automatic cleanup.
// Dialogs and registrations live here; terminated entries linger for a short
// TTL so late retransmissions still find them.
type TTLStore[K comparable, V any] struct {
	mu        sync.RWMutex
	items     map[K]*Entry[V]
	stopCh    chan struct{}
	closeOnce sync.Once
	interval  time.Duration
	onEvict   func(key K, value V)
	now       func() time.Time
}

// NewTTLStore creates a new TTL store with the specified cleanup interval.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*Entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
		now:      time.Now,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict sets the callback called when items expire during cleanup.
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value with the given TTL
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &Entry[V]{
		Value:     value,
		ExpiresAt: s.now().Add(ttl),
	}
}

// SetIfAbsent stores value only when key is missing or expired. It returns
// the stored value and whether it was inserted.
func (s *TTLStore[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, exists := s.items[key]; exists && !entry.IsExpired(now) {
		return entry.Value, false
	}
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: now.Add(ttl)}
	return value, true
}

// Get retrieves a value by key. Returns the value and true if found and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.items[key]
	if !exists || entry.IsExpired(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Len returns the number of non-expired items
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	count := 0
	for _, entry := range s.items {
		if !entry.IsExpired(now) {
			count++
		}
	}
	return count
}

// ForEach iterates over all non-expired items, stopping if fn returns false.
// fn must not call back into the store.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for key, entry := range s.items {
		if entry.IsExpired(now) {
			continue
		}
		if !fn(key, entry.Value) {
			break
		}
	}
}

// Close stops the cleanup goroutine and clears the store. Safe to call twice.
func (s *TTLStore[K, V]) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		s.items = make(map[K]*Entry[V])
		s.mu.Unlock()
	})
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries and runs the eviction callback outside the lock
func (s *TTLStore[K, V]) cleanup() {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	now := s.now()
	var expired []evicted
	for key, entry := range s.items {
		if entry.IsExpired(now) {
			expired = append(expired, evicted{key, entry.Value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
}
