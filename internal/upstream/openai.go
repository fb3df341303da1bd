package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mfushimi/kikitori/internal/costpolicy"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
)

// Client mints ephemeral realtime credentials against the OpenAI API. The
// long-lived API key never leaves this process; callers only ever see the
// short-lived client secret.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// MintedSession is the ephemeral credential handed back to clients.
type MintedSession struct {
	SessionID    string    `json:"session_id"`
	ClientSecret string    `json:"client_secret"`
	ExpiresAt    time.Time `json:"expires_at"`
	Model        string    `json:"model"`
	Voice        string    `json:"voice"`
}

type sessionRequest struct {
	Model                   string         `json:"model"`
	Voice                   string         `json:"voice"`
	Instructions            string         `json:"instructions"`
	Tools                   []toolSpec     `json:"tools"`
	Modalities              []string       `json:"modalities"`
	Temperature             float64        `json:"temperature"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// MintSession creates a realtime session upstream and returns its ephemeral
// credential. The policy shapes the session server-side too: push-to-talk
// sessions are minted with no turn detection at all.
func (c *Client) MintSession(ctx context.Context, voice string, policy costpolicy.Policy) (MintedSession, error) {
	if strings.TrimSpace(voice) == "" {
		voice = defaultVoice
	}

	req := sessionRequest{
		Model:                   c.model,
		Voice:                   voice,
		Instructions:            SystemInstructions,
		Tools:                   []toolSpec{saveRequirementTool},
		Modalities:              []string{"text", "audio"},
		Temperature:             0.8,
		MaxResponseOutputTokens: policy.Context.MaxResponseTokens,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
	}
	if vd, ok := policy.EffectiveVoiceDetection(); ok {
		req.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         vd.Threshold,
			PrefixPaddingMS:   vd.PrefixPaddingMS,
			SilenceDurationMS: vd.SilenceDurationMS,
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return MintedSession{}, fmt.Errorf("marshal session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/realtime/sessions", bytes.NewReader(payload))
	if err != nil {
		return MintedSession{}, fmt.Errorf("create session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("OpenAI-Beta", "realtime=v1")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return MintedSession{}, fmt.Errorf("mint session: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return MintedSession{}, fmt.Errorf("openai session status %d: %s", res.StatusCode, string(body))
	}

	var sr sessionResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return MintedSession{}, fmt.Errorf("decode session response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return MintedSession{}, fmt.Errorf("openai session response missing client secret")
	}

	return MintedSession{
		SessionID:    sr.ID,
		ClientSecret: sr.ClientSecret.Value,
		ExpiresAt:    time.Unix(sr.ClientSecret.ExpiresAt, 0).UTC(),
		Model:        c.model,
		Voice:        voice,
	}, nil
}
