package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	globalLevel = slog.LevelInfo
	levelMu     sync.RWMutex
)

// sipgoWriter reformats the JSON lines sipgo emits through zerolog so they
// match the rest of the process output.
type sipgoWriter struct {
	base io.Writer
}

func (w *sipgoWriter) Write(p []byte) (int, error) {
	trimmed := strings.TrimSpace(string(p))
	if !strings.HasPrefix(trimmed, "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(trimmed), &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := "unknown"
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}
	timestamp := time.Now().Format("15:04:05")
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			timestamp = ts.Format("15:04:05")
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "time", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[" + timestamp + "] [" + strings.ToUpper(level) + "] [sipgo] " + message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	b.WriteString("\n")

	if _, err := w.base.Write([]byte(b.String())); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// lineHandler writes "[15:04:05] [LEVEL] msg k=v" lines to every output.
type lineHandler struct {
	outs  []io.Writer
	attrs []slog.Attr
	group string
	mu    *sync.Mutex
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= globalLevel
}

func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}

	var b strings.Builder
	b.WriteString("[" + record.Time.Format("15:04:05") + "] [" + strings.ToUpper(record.Level.String()) + "] ")
	b.WriteString(record.Message)

	for _, a := range h.attrs {
		h.appendAttr(&b, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a)
		return true
	})
	b.WriteString("\n")

	line := []byte(b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func (h *lineHandler) appendAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	b.WriteString(" " + key + "=" + a.Value.String())
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lineHandler{outs: h.outs, attrs: merged, group: h.group, mu: h.mu}
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &lineHandler{outs: h.outs, attrs: h.attrs, group: group, mu: h.mu}
}

// NewHandler returns the process log handler writing to outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = &sipgoWriter{base: out}
	}
	return &lineHandler{outs: wrapped, mu: &sync.Mutex{}}
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}
