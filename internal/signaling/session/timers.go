package session

import (
	"sync"
	"time"
)

// TimerTable holds the named timers of one call. Arming a name replaces
// the previous timer of that name; StopAll cancels everything and refuses
// later arms, so no callback runs after the call is torn down.
type TimerTable struct {
	mu      sync.Mutex
	timers  map[string]*timerEntry
	gen     uint64
	stopped bool
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// NewTimerTable creates an empty table.
func NewTimerTable() *TimerTable {
	return &TimerTable{timers: make(map[string]*timerEntry)}
}

// Arm (re)starts the timer called name. It returns false once StopAll ran.
func (t *TimerTable) Arm(name string, d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	if old, ok := t.timers[name]; ok {
		old.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timers[name] = &timerEntry{
		gen:   gen,
		timer: time.AfterFunc(d, func() { t.fire(name, gen, fn) }),
	}
	return true
}

// fire runs fn only if the entry is still the one that was armed.
func (t *TimerTable) fire(name string, gen uint64, fn func()) {
	t.mu.Lock()
	e, ok := t.timers[name]
	if !ok || e.gen != gen || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.timers, name)
	t.mu.Unlock()
	fn()
}

// Stop cancels one timer. It reports whether the timer was pending.
func (t *TimerTable) Stop(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.timers[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.timers, name)
	return true
}

// StopAll cancels every timer and returns how many were pending.
func (t *TimerTable) StopAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.timers)
	for name, e := range t.timers {
		e.timer.Stop()
		delete(t.timers, name)
	}
	t.stopped = true
	return n
}

// Pending lists the names of armed timers.
func (t *TimerTable) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.timers))
	for name := range t.timers {
		out = append(out, name)
	}
	return out
}
