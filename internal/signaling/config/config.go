package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the callpilot process configuration
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	Transport     string
	LogLevel      string

	// Media
	RTPPortMin int
	RTPPortMax int

	// Agents and IVR
	AgentsPath   string // JSON file with agent SIP accounts
	IVRPath      string // JSON file with IVR menu trees (optional)
	DefaultAgent string // agent used for inbound calls that match no account

	// Call behavior
	DialTimeout         time.Duration
	MaxCallDuration     time.Duration
	SilenceTimeout      time.Duration
	CollaboratorTimeout time.Duration
	Greeting            string
	FallbackPrompt      string
	TransferKeywords    []string

	// DTMF
	DTMFInterDigitTimeout time.Duration
	DTMFMaxDigits         int
	DTMFTerminators       string

	// Transcription
	TranscriptionWindow      time.Duration
	TranscriptionMaxInFlight int
	TranscriptionFlushAfter  time.Duration

	// Campaigns
	CampaignTick       time.Duration
	CampaignRetrySweep time.Duration
	MaxConcurrentDials int

	// Admin API
	APIAddr   string
	JWTSecret string

	// Backing services. Empty values select in-memory implementations.
	DatabaseURL string
	RedisAddr   string

	// Speech gateway nodes. SpeechHealthAddrs pairs with SpeechURLs by
	// index; a missing entry disables health checks for that node.
	SpeechURLs        []string
	SpeechHealthAddrs []string
	SpeechAPIKey      string
	SpeechHealthEvery time.Duration

	// DrainTimeout bounds how long shutdown waits for live calls before
	// hanging them up
	DrainTimeout time.Duration

	// Event publishing: "log", "redis" or "none"
	EventSink string
	NodeID    string
}

// Load loads configuration from .env, command line flags and environment
// variables, in increasing order of precedence.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Info("[Config] No .env file loaded", "error", err)
	}
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		slog.Error("[Config] Invalid flags", "error", err)
		os.Exit(2)
	}
	return cfg
}

// Parse builds a Config from args and the current environment.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callpilot", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.Transport, "transport", "udp", "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-min", 20000, "Lowest RTP port")
	fs.IntVar(&cfg.RTPPortMax, "rtp-max", 20999, "Highest RTP port")
	fs.StringVar(&cfg.AgentsPath, "agents", "resources/config/agents.json", "Path to agent accounts file")
	fs.StringVar(&cfg.IVRPath, "ivr", "", "Path to IVR menu file")
	fs.StringVar(&cfg.DefaultAgent, "default-agent", "", "Agent for unmatched inbound calls")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 30*time.Second, "Outbound dial timeout")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", 30*time.Minute, "Hard limit on call length")
	fs.DurationVar(&cfg.SilenceTimeout, "silence-timeout", 30*time.Second, "Silence before re-prompting the caller")
	fs.DurationVar(&cfg.CollaboratorTimeout, "collaborator-timeout", 15*time.Second, "Ceiling on STT/TTS/LLM calls")
	fs.StringVar(&cfg.Greeting, "greeting", "Hello, how can I help you today?", "Greeting for inbound calls")
	fs.StringVar(&cfg.FallbackPrompt, "fallback-prompt", "I didn't catch that, could you please repeat?", "Prompt played after a speech failure")
	transfer := fs.String("transfer-keywords", "transfer,human,operator,representative", "Comma-separated transfer intent keywords")
	fs.DurationVar(&cfg.DTMFInterDigitTimeout, "dtmf-timeout", 3*time.Second, "DTMF inter-digit timeout")
	fs.IntVar(&cfg.DTMFMaxDigits, "dtmf-max", 20, "Maximum DTMF sequence length")
	fs.StringVar(&cfg.DTMFTerminators, "dtmf-terminators", "#", "DTMF terminator digits")
	fs.DurationVar(&cfg.TranscriptionWindow, "stt-window", 2*time.Second, "Audio buffered per transcription batch")
	fs.IntVar(&cfg.TranscriptionMaxInFlight, "stt-inflight", 8, "Concurrent transcription requests")
	fs.DurationVar(&cfg.TranscriptionFlushAfter, "stt-flush-after", 800*time.Millisecond, "Quiet time after speech before a partial batch is transcribed")
	fs.DurationVar(&cfg.CampaignTick, "campaign-tick", 5*time.Second, "Campaign queue tick")
	fs.DurationVar(&cfg.CampaignRetrySweep, "campaign-retry-sweep", 60*time.Second, "Campaign retry sweep interval")
	fs.IntVar(&cfg.MaxConcurrentDials, "max-dials", 1, "Concurrent outbound dials across instances (requires redis)")
	fs.StringVar(&cfg.APIAddr, "api", "0.0.0.0:8080", "Admin API listen address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "Postgres connection string")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address")
	speech := fs.String("speech-url", "http://localhost:8090", "Comma-separated speech gateway base URLs")
	health := fs.String("speech-health", "", "Comma-separated gRPC health addresses, one per speech URL")
	fs.DurationVar(&cfg.SpeechHealthEvery, "speech-health-interval", 5*time.Second, "Speech node health check interval")
	fs.StringVar(&cfg.EventSink, "events", "log", "Event sink (log, redis, none)")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", 30*time.Second, "Time live calls get to finish on shutdown")
	fs.StringVar(&cfg.NodeID, "node-id", "", "Instance name carried in events (defaults to hostname)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.TransferKeywords = parseList(*transfer)
	cfg.SpeechURLs = parseList(*speech)
	cfg.SpeechHealthAddrs = parseList(*health)

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if v := os.Getenv("AGENTS_PATH"); v != "" {
		cfg.AgentsPath = v
	}
	if v := os.Getenv("IVR_PATH"); v != "" {
		cfg.IVRPath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SPEECH_URL"); v != "" {
		cfg.SpeechURLs = parseList(v)
	}
	if v := os.Getenv("SPEECH_API_KEY"); v != "" {
		cfg.SpeechAPIKey = v
	}
	if v := os.Getenv("SPEECH_HEALTH_ADDRS"); v != "" {
		cfg.SpeechHealthAddrs = parseList(v)
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("EVENT_SINK"); v != "" {
		cfg.EventSink = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if cfg.NodeID == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.NodeID = h
		}
	}
	if v := os.Getenv("MAX_CALL_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxCallDuration = d
		}
	}
	if v := os.Getenv("TRANSFER_KEYWORDS"); v != "" {
		cfg.TransferKeywords = parseList(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.RTPPortMin <= 0 || c.RTPPortMax <= c.RTPPortMin {
		return fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	if c.DTMFMaxDigits <= 0 {
		return fmt.Errorf("dtmf max digits must be positive")
	}
	switch c.Transport {
	case "udp", "tcp":
	default:
		return fmt.Errorf("unsupported SIP transport %q", c.Transport)
	}
	switch c.EventSink {
	case "log", "redis", "none":
	default:
		return fmt.Errorf("unsupported event sink %q", c.EventSink)
	}
	if c.EventSink == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("event sink redis requires a redis address")
	}
	if len(c.SpeechHealthAddrs) > len(c.SpeechURLs) {
		return fmt.Errorf("%d speech health addresses for %d speech URLs", len(c.SpeechHealthAddrs), len(c.SpeechURLs))
	}
	return nil
}

// AgentAccount is one entry of the agents file.
type AgentAccount struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Transport   string `json:"transport"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	CallerID    string `json:"callerId"`
	Expires     int    `json:"expires"`
	IVRMenu     string `json:"ivrMenu"`
	Greeting    string `json:"greeting"`
	Recording   bool   `json:"recording"`
}

// LoadAgents reads the agents file. A missing file yields no agents.
func LoadAgents(path string) ([]AgentAccount, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents: %w", err)
	}

	var file struct {
		Agents []AgentAccount `json:"agents"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agents: %w", err)
	}

	seen := make(map[string]bool, len(file.Agents))
	for i, a := range file.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent %d: missing id", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
	}
	return file.Agents, nil
}

// parseList parses a comma-separated list, dropping empty entries
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
