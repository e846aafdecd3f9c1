package banner

import (
	"strings"
	"testing"
)

func TestRenderAlignsLabels(t *testing.T) {
	out := Render("callpilot", []ConfigLine{
		{Label: "SIP", Value: "0.0.0.0:5060"},
		{Label: "API addr", Value: ":8080"},
	})

	if !strings.Contains(out, "  SIP      : 0.0.0.0:5060\n") {
		t.Errorf("short label not padded:\n%s", out)
	}
	if !strings.Contains(out, "  API addr : :8080\n") {
		t.Errorf("long label misaligned:\n%s", out)
	}
	if !strings.HasSuffix(out, footer+"\n\n") {
		t.Errorf("footer missing")
	}
}
