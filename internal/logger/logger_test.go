package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" INFO ", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandlerFormatsAttrs(t *testing.T) {
	SetLevel("debug")
	defer SetLevel("info")

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).With("call_id", "abc")
	log.Info("[Registry] Session created", "agent_id", "a1")

	line := buf.String()
	if !strings.Contains(line, "[INFO] [Registry] Session created") {
		t.Errorf("line = %q, want level and message", line)
	}
	if !strings.Contains(line, "call_id=abc") || !strings.Contains(line, "agent_id=a1") {
		t.Errorf("line = %q, want both attrs", line)
	}
}

func TestHandlerFiltersBelowLevel(t *testing.T) {
	SetLevel("warn")
	defer SetLevel("info")

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))
	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info line written at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn line missing: %q", buf.String())
	}
}

func TestSipgoJSONLinesReformatted(t *testing.T) {
	var buf bytes.Buffer
	w := &sipgoWriter{base: &buf}

	in := `{"level":"debug","time":"2024-01-02T03:04:05Z","message":"UDP read","caller":"x.go:1","addr":"1.2.3.4"}` + "\n"
	if _, err := w.Write([]byte(in)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := buf.String()
	want := "[03:04:05] [DEBUG] [sipgo] UDP read addr=1.2.3.4\n"
	if got != want {
		t.Errorf("reformatted = %q, want %q", got, want)
	}
}
