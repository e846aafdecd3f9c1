// Package ivr drives per-call touch-tone menus.
//
// Each session sits at one menu awaiting input. Valid input navigates,
// acts or hands the call off; invalid input counts retries; a per-menu
// timer ends the session when nobody presses anything. Every outcome is
// delivered in order on Events().
package ivr

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callpilot/internal/signaling/events"
)

var (
	ErrSessionNotFound = errors.New("ivr session not found")
	ErrSessionExists   = errors.New("ivr session already active")
	ErrMenuNotFound    = errors.New("ivr menu not found")
	ErrClosed          = errors.New("navigator closed")
)

const defaultInvalidPrompt = "Sorry, that is not a valid option."

// Session is the navigation state of one call.
type Session struct {
	ID            string
	CurrentMenuID string
	MenuStack     []string
	RetryCount    int
	StartedAt     time.Time
	LastActivity  time.Time

	timer *time.Timer
	gen   uint64
}

func (s *Session) snapshot() Session {
	out := *s
	out.MenuStack = append([]string(nil), s.MenuStack...)
	out.timer = nil
	return out
}

// Option configures a Navigator.
type Option func(*Navigator)

// WithDefaultTimeout sets the timeout for menus that do not define one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(n *Navigator) {
		if d > 0 {
			n.defaultTimeout = d
		}
	}
}

// Navigator owns all IVR sessions. Menu lookups are lock-free against the
// current tree; session state is guarded by mu.
type Navigator struct {
	tree           atomic.Pointer[Tree]
	path           string
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	gen      uint64
	closed   bool

	events *events.Queue[Event]
}

// New creates a navigator over an already validated tree.
func New(tree *Tree, logger *slog.Logger, opts ...Option) *Navigator {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Navigator{
		logger:         logger,
		defaultTimeout: DefaultMenuTimeout,
		sessions:       make(map[string]*Session),
		events:         events.NewQueue[Event](),
	}
	for _, opt := range opts {
		opt(n)
	}
	if tree != nil {
		n.tree.Store(tree)
	}
	return n
}

// Load creates a navigator from a JSON menu file. Reload re-reads the same
// path.
func Load(path string, logger *slog.Logger, opts ...Option) (*Navigator, error) {
	n := New(nil, logger, opts...)
	n.path = path
	if err := n.Reload(); err != nil {
		n.Close()
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return n, nil
}

// Reload re-reads the menu file and swaps the tree atomically. Active
// sessions keep their menu IDs and resolve them against the new tree on
// their next input.
func (n *Navigator) Reload() error {
	if n.path == "" {
		return errors.New("no menu file configured")
	}
	data, err := os.ReadFile(n.path)
	if err != nil {
		return fmt.Errorf("read menus: %w", err)
	}
	tree, err := ParseTree(data)
	if err != nil {
		return err
	}
	n.tree.Store(tree)
	n.logger.Info("[IVR] Loaded menus", "path", n.path, "version", tree.Version, "menus", tree.Len(), "root", tree.Root)
	return nil
}

// SetTree replaces the menu tree.
func (n *Navigator) SetTree(t *Tree) {
	n.tree.Store(t)
}

// Tree returns the current menu tree (may be nil).
func (n *Navigator) Tree() *Tree {
	return n.tree.Load()
}

// Events delivers outcomes in emission order. Closed after Close.
func (n *Navigator) Events() <-chan Event {
	return n.events.Out()
}

// Start opens a session at menuID, or at the root when menuID is empty.
func (n *Navigator) Start(sessionID, menuID string) error {
	tree := n.tree.Load()
	if tree == nil {
		return fmt.Errorf("no menus loaded: %w", ErrMenuNotFound)
	}
	if menuID == "" {
		menuID = tree.Root
	}
	menu, ok := tree.Menu(menuID)
	if !ok {
		return fmt.Errorf("start %s at %q: %w", sessionID, menuID, ErrMenuNotFound)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if _, exists := n.sessions[sessionID]; exists {
		return fmt.Errorf("%s: %w", sessionID, ErrSessionExists)
	}

	now := time.Now()
	s := &Session{ID: sessionID, StartedAt: now, LastActivity: now}
	n.sessions[sessionID] = s
	n.logger.Info("[IVR] Session started", "session_id", sessionID, "menu", menu.ID)
	n.enterLocked(s, menu, true)
	return nil
}

// ProcessInput matches digits against the session's current menu.
func (n *Navigator) ProcessInput(sessionID, digits string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sessions[sessionID]
	if !ok {
		n.logger.Warn("[IVR] Input for unknown session", "session_id", sessionID, "digits", digits)
		return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}

	tree := n.tree.Load()
	menu, ok := tree.Menu(s.CurrentMenuID)
	if !ok {
		// The menu vanished in a reload.
		n.logger.Warn("[IVR] Current menu no longer exists", "session_id", sessionID, "menu", s.CurrentMenuID)
		n.endLocked(s, Event{Type: EventEnded, Reason: "menu_not_found"})
		return fmt.Errorf("%s: %w", s.CurrentMenuID, ErrMenuNotFound)
	}

	s.LastActivity = time.Now()

	item, ok := menu.Match(digits)
	if !ok {
		s.RetryCount++
		n.logger.Debug("[IVR] Invalid input", "session_id", sessionID, "menu", menu.ID, "digits", digits, "retry", s.RetryCount)
		if s.RetryCount >= menu.maxRetries() {
			n.endLocked(s, Event{Type: EventMaxRetriesExceeded, RetryCount: s.RetryCount})
			return nil
		}
		prompt := menu.InvalidPrompt
		if prompt == "" {
			prompt = defaultInvalidPrompt
		}
		n.emitLocked(s, Event{Type: EventInvalidInput, Prompt: prompt, RetryCount: s.RetryCount})
		return nil
	}

	s.RetryCount = 0
	it := *item

	switch item.Action {
	case ActionSubmenu:
		next, ok := tree.Menu(item.Target)
		if !ok {
			return fmt.Errorf("submenu %q: %w", item.Target, ErrMenuNotFound)
		}
		n.enterLocked(s, next, true)
	case ActionTransfer:
		n.endLocked(s, Event{Type: EventTransfer, Item: &it})
	case ActionAgent:
		n.endLocked(s, Event{Type: EventAgent, Item: &it})
	case ActionHangup:
		n.endLocked(s, Event{Type: EventHangup, Item: &it})
	case ActionCustom:
		n.emitLocked(s, Event{Type: EventCustomAction, Item: &it})
		n.armLocked(s, menu.timeout(n.defaultTimeout))
	case ActionBack:
		n.goBackLocked(s, tree)
	}
	return nil
}

// GoBack returns to the previous menu. At the root it only logs.
func (n *Navigator) GoBack(sessionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	s.LastActivity = time.Now()
	s.RetryCount = 0
	n.goBackLocked(s, n.tree.Load())
	return nil
}

// End closes a session. Ending an unknown or already ended session logs
// and returns ErrSessionNotFound without side effects.
func (n *Navigator) End(sessionID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sessions[sessionID]
	if !ok {
		n.logger.Debug("[IVR] End for unknown session", "session_id", sessionID)
		return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	n.endLocked(s, Event{Type: EventEnded, Reason: reason})
	return nil
}

// Get returns a copy of the session state.
func (n *Navigator) Get(sessionID string) (Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Active reports whether a session exists.
func (n *Navigator) Active(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[sessionID]
	return ok
}

// Count returns the number of live sessions.
func (n *Navigator) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// Close stops every timer, drops all sessions without emitting and closes
// Events().
func (n *Navigator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for id, s := range n.sessions {
		stopTimer(s)
		delete(n.sessions, id)
	}
	n.mu.Unlock()

	n.events.Close()
}

func (n *Navigator) goBackLocked(s *Session, tree *Tree) {
	if len(s.MenuStack) <= 1 {
		n.logger.Warn("[IVR] Already at root menu", "session_id", s.ID, "menu", s.CurrentMenuID)
		return
	}
	s.MenuStack = s.MenuStack[:len(s.MenuStack)-1]
	prev := s.MenuStack[len(s.MenuStack)-1]

	menu, ok := tree.Menu(prev)
	if !ok {
		n.logger.Warn("[IVR] Previous menu no longer exists", "session_id", s.ID, "menu", prev)
		n.endLocked(s, Event{Type: EventEnded, Reason: "menu_not_found"})
		return
	}
	n.enterLocked(s, menu, false)
}

// enterLocked makes menu current, optionally pushing it, and rearms the
// menu timer.
func (n *Navigator) enterLocked(s *Session, menu *Menu, push bool) {
	if push {
		s.MenuStack = append(s.MenuStack, menu.ID)
	}
	s.CurrentMenuID = menu.ID
	n.armLocked(s, menu.timeout(n.defaultTimeout))
	n.emitLocked(s, Event{Type: EventMenuEntered, Prompt: menu.Prompt})
}

// armLocked stops the running timer before arming a new one, so a session
// never has two live timers.
func (n *Navigator) armLocked(s *Session, d time.Duration) {
	stopTimer(s)
	n.gen++
	gen := n.gen
	s.gen = gen
	id := s.ID
	s.timer = time.AfterFunc(d, func() { n.onTimeout(id, gen) })
}

func (n *Navigator) onTimeout(sessionID string, gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sessions[sessionID]
	if !ok || s.gen != gen {
		return
	}
	n.logger.Info("[IVR] Menu timeout", "session_id", sessionID, "menu", s.CurrentMenuID)
	n.endLocked(s, Event{Type: EventTimeout})
}

func (n *Navigator) endLocked(s *Session, ev Event) {
	stopTimer(s)
	delete(n.sessions, s.ID)
	if ev.Reason == "" {
		ev.Reason = string(ev.Type)
	}
	n.logger.Info("[IVR] Session ended", "session_id", s.ID, "menu", s.CurrentMenuID, "reason", ev.Reason)
	n.emitLocked(s, ev)
}

func (n *Navigator) emitLocked(s *Session, ev Event) {
	ev.SessionID = s.ID
	ev.MenuID = s.CurrentMenuID
	ev.At = time.Now()
	n.events.Push(ev)
}

func stopTimer(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen = 0
}
