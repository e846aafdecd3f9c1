package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*TTLStore[string, int], *time.Time) {
	t.Helper()
	s := NewTTLStore[string, int](time.Hour)
	t.Cleanup(s.Close)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestTTLStoreExpiry(t *testing.T) {
	s, now := newTestStore(t)

	s.Set("a", 1, time.Minute)
	if v, ok := s.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}

	*now = now.Add(2 * time.Minute)
	if _, ok := s.Get("a"); ok {
		t.Error("Get(a) after expiry returned ok")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestTTLStoreCleanupEvicts(t *testing.T) {
	s, now := newTestStore(t)

	var evicted []string
	s.SetOnEvict(func(key string, _ int) { evicted = append(evicted, key) })

	s.Set("old", 1, time.Second)
	s.Set("new", 2, time.Hour)
	*now = now.Add(time.Minute)
	s.cleanup()

	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("evicted = %v, want [old]", evicted)
	}
	if _, ok := s.Get("new"); !ok {
		t.Error("live entry was evicted")
	}
}

func TestTTLStoreSetIfAbsent(t *testing.T) {
	s, now := newTestStore(t)

	if _, inserted := s.SetIfAbsent("k", 1, time.Minute); !inserted {
		t.Fatal("first SetIfAbsent did not insert")
	}
	if v, inserted := s.SetIfAbsent("k", 2, time.Minute); inserted || v != 1 {
		t.Errorf("second SetIfAbsent = %v, %v; want 1, false", v, inserted)
	}

	*now = now.Add(time.Hour)
	if v, inserted := s.SetIfAbsent("k", 3, time.Minute); !inserted || v != 3 {
		t.Errorf("SetIfAbsent over expired = %v, %v; want 3, true", v, inserted)
	}
}

func TestTTLStoreCloseTwice(t *testing.T) {
	s := NewTTLStore[string, int](time.Millisecond)
	s.Close()
	s.Close()
}
