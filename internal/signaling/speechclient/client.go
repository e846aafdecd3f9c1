package speechclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sebas/callpilot/internal/signaling/session"
	"github.com/sebas/callpilot/internal/signaling/transcription"
)

// Config configures the gateway client.
type Config struct {
	APIKey     string
	HTTPClient *http.Client
}

// Client implements the registry's speech collaborators over JSON/HTTP.
type Client struct {
	pool       *Pool
	apiKey     string
	httpClient *http.Client
}

var (
	_ transcription.Transcriber = (*Client)(nil)
	_ session.Synthesizer       = (*Client)(nil)
	_ session.TurnGenerator     = (*Client)(nil)
)

// New creates a client sending requests to pool's healthy nodes.
func New(pool *Pool, cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{pool: pool, apiKey: cfg.APIKey, httpClient: hc}
}

// Error is a non-2xx gateway reply.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("speech gateway error %d: %s", e.Status, e.Message)
}

type transcribeRequest struct {
	Audio      string `json:"audio"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding,omitempty"`
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	DurationMs int64   `json:"duration_ms"`
}

// Transcribe sends one audio window to speech-to-text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, opts transcription.Options) (transcription.Result, error) {
	req := transcribeRequest{
		Audio:      base64.StdEncoding.EncodeToString(audio),
		Language:   opts.Language,
		SampleRate: opts.SampleRate,
		Encoding:   opts.Encoding,
	}
	var resp transcribeResponse
	if _, err := c.postJSON(ctx, "/v1/transcribe", req, &resp); err != nil {
		return transcription.Result{}, fmt.Errorf("transcribe: %w", err)
	}
	return transcription.Result{Text: resp.Text, Confidence: resp.Confidence, DurationMs: resp.DurationMs}, nil
}

type synthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Synthesize returns the audio body as sent by the gateway (WAV or raw PCM).
func (c *Client) Synthesize(ctx context.Context, text string, opts session.SynthesizeOptions) ([]byte, error) {
	req := synthesizeRequest{Text: text, Voice: opts.Voice, Language: opts.Language, SampleRate: opts.SampleRate}
	body, err := c.postJSON(ctx, "/v1/synthesize", req, nil)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("synthesize: empty audio")
	}
	return body, nil
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	Reply string `json:"reply"`
}

// ProcessMessage asks the turn generator for the reply to one utterance.
func (c *Client) ProcessMessage(ctx context.Context, conversationID, text string) (string, error) {
	var resp turnResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/turns"
	if _, err := c.postJSON(ctx, path, turnRequest{Text: text}, &resp); err != nil {
		return "", fmt.Errorf("process message: %w", err)
	}
	return resp.Reply, nil
}

// postJSON sends body to one node. When result is nil the raw reply body is
// returned instead of decoded.
func (c *Client) postJSON(ctx context.Context, path string, body, result any) ([]byte, error) {
	m, err := c.pool.pick()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.node.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.pool.record(m, false)
		}
		return nil, fmt.Errorf("%s: %w", m.node.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		c.pool.record(m, false)
	}
	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return nil, apiErr
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return data, nil
}
