package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Parse([]string{"-advertise", "127.0.0.1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Port != 5060 {
		t.Errorf("Port = %d, want 5060", cfg.Port)
	}
	if cfg.DialTimeout != 30*time.Second {
		t.Errorf("DialTimeout = %v, want 30s", cfg.DialTimeout)
	}
	if cfg.SilenceTimeout != 30*time.Second {
		t.Errorf("SilenceTimeout = %v, want 30s", cfg.SilenceTimeout)
	}
	if cfg.DTMFInterDigitTimeout != 3*time.Second || cfg.DTMFMaxDigits != 20 {
		t.Errorf("DTMF = %v/%d, want 3s/20", cfg.DTMFInterDigitTimeout, cfg.DTMFMaxDigits)
	}
	if cfg.CampaignTick != 5*time.Second || cfg.CampaignRetrySweep != time.Minute {
		t.Errorf("campaign intervals = %v/%v, want 5s/1m", cfg.CampaignTick, cfg.CampaignRetrySweep)
	}
	if len(cfg.TransferKeywords) != 4 {
		t.Errorf("TransferKeywords = %v, want 4 entries", cfg.TransferKeywords)
	}
}

func TestEnvOverridesFlags(t *testing.T) {
	t.Setenv("PORT", "5080")
	t.Setenv("TRANSFER_KEYWORDS", "agent, supervisor")
	t.Setenv("MAX_CALL_DURATION", "90s")

	cfg, err := Parse([]string{"-port", "5070", "-advertise", "127.0.0.1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 5080 {
		t.Errorf("Port = %d, want 5080", cfg.Port)
	}
	if len(cfg.TransferKeywords) != 2 || cfg.TransferKeywords[1] != "supervisor" {
		t.Errorf("TransferKeywords = %v", cfg.TransferKeywords)
	}
	if cfg.MaxCallDuration != 90*time.Second {
		t.Errorf("MaxCallDuration = %v, want 90s", cfg.MaxCallDuration)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port range", []string{"-rtp-min", "30000", "-rtp-max", "20000"}},
		{"transport", []string{"-transport", "sctp"}},
		{"redis sink without redis", []string{"-events", "redis"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-advertise", "127.0.0.1"}, tt.args...)
			if _, err := Parse(args); err == nil {
				t.Errorf("Parse(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestLoadAgents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	data := `{"agents":[{"id":"sales","host":"sip.example.com","username":"1001","password":"pw","ivrMenu":"main"}]}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	agents, err := LoadAgents(path)
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].IVRMenu != "main" {
		t.Errorf("agents = %+v", agents)
	}

	missing, err := LoadAgents(filepath.Join(dir, "nope.json"))
	if err != nil || missing != nil {
		t.Errorf("missing file = %v, %v; want nil, nil", missing, err)
	}
}

func TestLoadAgentsDuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	data := `{"agents":[{"id":"a"},{"id":"a"}]}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAgents(path); err == nil {
		t.Error("LoadAgents accepted duplicate ids")
	}
}
