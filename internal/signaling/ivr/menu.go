package ivr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Action is what a menu item does when its digits are entered.
type Action string

const (
	ActionSubmenu  Action = "submenu"
	ActionTransfer Action = "transfer"
	ActionAgent    Action = "agent"
	ActionHangup   Action = "hangup"
	ActionCustom   Action = "custom"
	ActionBack     Action = "back"
)

// Defaults
const (
	DefaultMenuTimeout = 30 * time.Second
	DefaultMaxRetries  = 3
)

// Duration accepts either a number of seconds or a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Item is one selectable entry of a menu.
type Item struct {
	Digits string            `json:"digits"`
	Label  string            `json:"label"`
	Action Action            `json:"action"`
	Target string            `json:"target,omitempty"` // submenu ID, transfer destination, agent ID
	Data   map[string]string `json:"data,omitempty"`   // opaque payload for custom actions
}

// Menu is one node of the IVR tree.
type Menu struct {
	ID            string   `json:"id"`
	Prompt        string   `json:"prompt"`
	InvalidPrompt string   `json:"invalidPrompt,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
	MaxRetries    int      `json:"maxRetries,omitempty"`
	Items         []Item   `json:"items"`
}

// Match returns the item bound to digits.
func (m *Menu) Match(digits string) (*Item, bool) {
	for i := range m.Items {
		if m.Items[i].Digits == digits {
			return &m.Items[i], true
		}
	}
	return nil, false
}

func (m *Menu) timeout(fallback time.Duration) time.Duration {
	if m.Timeout > 0 {
		return time.Duration(m.Timeout)
	}
	return fallback
}

func (m *Menu) maxRetries() int {
	if m.MaxRetries > 0 {
		return m.MaxRetries
	}
	return DefaultMaxRetries
}

// Config is the JSON file layout.
type Config struct {
	Version string `json:"version"`
	Root    string `json:"root"`
	Menus   []Menu `json:"menus"`
}

// Tree is an immutable, validated menu set.
type Tree struct {
	Version string
	Root    string
	menus   map[string]*Menu
}

// Menu looks up a menu by ID.
func (t *Tree) Menu(id string) (*Menu, bool) {
	if t == nil {
		return nil, false
	}
	m, ok := t.menus[id]
	return m, ok
}

// Len returns the number of menus.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.menus)
}

// ParseTree decodes and validates a menu file.
func ParseTree(data []byte) (*Tree, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse menus: %w", err)
	}
	return NewTree(cfg)
}

// NewTree validates cfg: unique menu IDs, a known root, known submenu
// targets, no duplicate digits within a menu.
func NewTree(cfg Config) (*Tree, error) {
	t := &Tree{Version: cfg.Version, Root: cfg.Root, menus: make(map[string]*Menu, len(cfg.Menus))}

	for i := range cfg.Menus {
		m := cfg.Menus[i]
		if m.ID == "" {
			return nil, fmt.Errorf("menu %d: id required", i)
		}
		if _, dup := t.menus[m.ID]; dup {
			return nil, fmt.Errorf("menu %s: duplicate id", m.ID)
		}
		t.menus[m.ID] = &m
	}
	if t.Root == "" && len(cfg.Menus) > 0 {
		t.Root = cfg.Menus[0].ID
	}
	if _, ok := t.menus[t.Root]; !ok {
		return nil, fmt.Errorf("root menu %q: %w", t.Root, ErrMenuNotFound)
	}

	for id, m := range t.menus {
		seen := make(map[string]bool, len(m.Items))
		for _, it := range m.Items {
			if it.Digits == "" {
				return nil, fmt.Errorf("menu %s: item %q has no digits", id, it.Label)
			}
			if seen[it.Digits] {
				return nil, fmt.Errorf("menu %s: duplicate digits %q", id, it.Digits)
			}
			seen[it.Digits] = true

			switch it.Action {
			case ActionSubmenu:
				if _, ok := t.menus[it.Target]; !ok {
					return nil, fmt.Errorf("menu %s: item %q targets unknown menu %q", id, it.Digits, it.Target)
				}
			case ActionTransfer, ActionAgent, ActionHangup, ActionCustom, ActionBack:
			default:
				return nil, fmt.Errorf("menu %s: item %q has unknown action %q", id, it.Digits, it.Action)
			}
		}
	}
	return t, nil
}
