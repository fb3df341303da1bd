package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mfushimi/kikitori/internal/costpolicy"
)

func newTestServer(t *testing.T, status int, handler func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if handler != nil {
			handler(r, body)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "sess_xyz",
				"client_secret": map[string]any{
					"value":      "ek_test_123",
					"expires_at": 1900000000,
				},
			})
		}
	}))
}

func TestMintSessionAutoDetect(t *testing.T) {
	var seen map[string]any
	var gotPath, gotAuth string
	srv := newTestServer(t, http.StatusOK, func(r *http.Request, body map[string]any) {
		seen = body
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
	})
	defer srv.Close()

	c, err := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	policy := costpolicy.Default()
	minted, err := c.MintSession(context.Background(), "", policy)
	if err != nil {
		t.Fatalf("MintSession() error = %v", err)
	}
	if minted.ClientSecret != "ek_test_123" || minted.SessionID != "sess_xyz" {
		t.Fatalf("MintSession() = %+v", minted)
	}
	if minted.Voice != "alloy" {
		t.Fatalf("Voice = %q, want default", minted.Voice)
	}

	if gotPath != "/v1/realtime/sessions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if seen["instructions"] == "" {
		t.Fatalf("request must carry the system instructions")
	}
	td, ok := seen["turn_detection"].(map[string]any)
	if !ok {
		t.Fatalf("auto-detect mint must carry turn_detection: %v", seen["turn_detection"])
	}
	if td["threshold"] != 0.6 {
		t.Fatalf("threshold = %v, want the policy value", td["threshold"])
	}
	tools, ok := seen["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v, want the save_requirement definition", seen["tools"])
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "save_requirement" {
		t.Fatalf("tool name = %v", tool["name"])
	}
}

func TestMintSessionPushToTalkOmitsTurnDetection(t *testing.T) {
	var seen map[string]any
	srv := newTestServer(t, http.StatusOK, func(_ *http.Request, body map[string]any) { seen = body })
	defer srv.Close()

	c, _ := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	policy, err := costpolicy.ForPreset(costpolicy.PresetPushToTalk)
	if err != nil {
		t.Fatalf("ForPreset() error = %v", err)
	}

	if _, err := c.MintSession(context.Background(), "alloy", policy); err != nil {
		t.Fatalf("MintSession() error = %v", err)
	}
	if _, present := seen["turn_detection"]; present {
		t.Fatalf("push-to-talk mint must omit turn_detection entirely")
	}
	if seen["max_response_output_tokens"] != float64(1024) {
		t.Fatalf("max_response_output_tokens = %v, want 1024", seen["max_response_output_tokens"])
	}
}

func TestMintSessionUpstreamError(t *testing.T) {
	srv := newTestServer(t, http.StatusUnauthorized, nil)
	defer srv.Close()

	c, _ := NewClient(ClientConfig{APIKey: "sk-bad", BaseURL: srv.URL})
	if _, err := c.MintSession(context.Background(), "alloy", costpolicy.Default()); err == nil {
		t.Fatalf("MintSession() should surface upstream status errors")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("NewClient() should reject a missing api key")
	}
}
