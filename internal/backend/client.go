package backend

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
	"github.com/mfushimi/kikitori/internal/realtime"
	"github.com/mfushimi/kikitori/internal/reliability"
	"github.com/mfushimi/kikitori/internal/requirement"
)

// StatusError is a non-2xx backend response. Retryable reports whether the
// status points at a transient condition worth another attempt.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s status %d: %s", e.Path, e.Status, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// Client talks to the intake backend. It implements the credential broker
// and requirement sink used by a realtime session.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type mintResponse struct {
	SessionID         string    `json:"session_id"`
	UpstreamSessionID string    `json:"upstream_session_id"`
	ClientSecret      string    `json:"client_secret"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// MintCredential asks the backend to open a session and mint an ephemeral
// realtime credential for it.
func (c *Client) MintCredential(ctx context.Context, voice string, policy costpolicy.Policy) (realtime.Credential, error) {
	payload := map[string]string{
		"voice":  voice,
		"preset": string(policy.Preset),
	}
	var out mintResponse
	if err := c.postJSON(ctx, "/v1/realtime/session", payload, &out); err != nil {
		return realtime.Credential{}, err
	}
	if out.ClientSecret == "" {
		return realtime.Credential{}, fmt.Errorf("backend mint response missing client secret")
	}
	return realtime.Credential{
		Secret:    out.ClientSecret,
		SessionID: out.SessionID,
		ExpiresAt: out.ExpiresAt,
	}, nil
}

// SaveRequirement forwards an extracted draft to the backend, linked to its
// intake session.
func (c *Client) SaveRequirement(ctx context.Context, draft requirement.Draft, sessionID string) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("shape draft payload: %w", err)
	}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	return c.postJSON(ctx, "/v1/requirements", payload, nil)
}

// AppendMessage persists one finalized transcript turn.
func (c *Client) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	payload := map[string]string{"role": role, "content": content}
	return c.postJSON(ctx, "/v1/sessions/"+sessionID+"/messages", payload, nil)
}

// EndSession marks the intake session completed.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/v1/sessions/"+sessionID+"/end", map[string]string{}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Path: path, Status: res.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
