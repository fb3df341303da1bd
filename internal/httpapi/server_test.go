package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mfushimi/kikitori/internal/config"
	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/observability"
	"github.com/mfushimi/kikitori/internal/requirement"
	"github.com/mfushimi/kikitori/internal/session"
	"github.com/mfushimi/kikitori/internal/upstream"
)

type fakeMinter struct {
	err    error
	minted []costpolicy.Policy
}

func (m *fakeMinter) MintSession(_ context.Context, voice string, policy costpolicy.Policy) (upstream.MintedSession, error) {
	if m.err != nil {
		return upstream.MintedSession{}, m.err
	}
	m.minted = append(m.minted, policy)
	return upstream.MintedSession{
		SessionID:    "rt_sess_1",
		ClientSecret: "ek_fake",
		ExpiresAt:    time.Now().Add(time.Minute).UTC(),
		Model:        "gpt-4o-realtime-preview",
		Voice:        voice,
	}, nil
}

func newTestServer(t *testing.T, minter SessionMinter) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultPreset:            "cost-optimized",
		DefaultVoice:             "alloy",
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	srv := New(cfg, session.NewInMemoryStore(), requirement.NewInMemoryStore(), minter, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestMintRealtimeSession(t *testing.T) {
	minter := &fakeMinter{}
	ts := newTestServer(t, minter)

	res := postJSON(t, ts.URL+"/v1/realtime/session", map[string]string{"preset": "push-to-talk"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	body := decodeBody(t, res)
	if body["client_secret"] != "ek_fake" {
		t.Fatalf("client_secret = %v", body["client_secret"])
	}
	if body["session_id"] == "" {
		t.Fatalf("missing session_id: %+v", body)
	}
	if body["preset"] != "push-to-talk" {
		t.Fatalf("preset = %v", body["preset"])
	}
	echoed, ok := body["policy"].(map[string]any)
	if !ok {
		t.Fatalf("mint response must echo the applied policy: %+v", body)
	}
	if echoed["mode"] != "push-to-talk" {
		t.Fatalf("echoed mode = %v", echoed["mode"])
	}
	limits := echoed["context"].(map[string]any)
	if limits["max_response_tokens"] != float64(1024) {
		t.Fatalf("echoed max_response_tokens = %v", limits["max_response_tokens"])
	}
	if len(minter.minted) != 1 || minter.minted[0].Preset != costpolicy.PresetPushToTalk {
		t.Fatalf("minted with wrong policy: %+v", minter.minted)
	}
}

func TestMintRejectsUnknownPreset(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	res := postJSON(t, ts.URL+"/v1/realtime/session", map[string]string{"preset": "turbo"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestMintUpstreamFailure(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{err: errors.New("openai 500")})

	res := postJSON(t, ts.URL+"/v1/realtime/session", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	res := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"preset": "balanced"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", res.StatusCode)
	}
	created := decodeBody(t, res)
	sess := created["session"].(map[string]any)
	id := sess["session_id"].(string)
	if id == "" || sess["status"] != "active" {
		t.Fatalf("create response = %+v", created)
	}

	msgRes := postJSON(t, ts.URL+"/v1/sessions/"+id+"/messages", map[string]string{
		"role":    "user",
		"content": "メールは taro@example.com です",
	})
	if msgRes.StatusCode != http.StatusCreated {
		t.Fatalf("append status = %d", msgRes.StatusCode)
	}
	appended := decodeBody(t, msgRes)
	msg := appended["message"].(map[string]any)
	if msg["pii_redacted"] != true {
		t.Fatalf("message content must be redacted before persistence: %+v", msg)
	}

	endRes := postJSON(t, ts.URL+"/v1/sessions/"+id+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", endRes.StatusCode)
	}
	ended := decodeBody(t, endRes)
	if ended["session"].(map[string]any)["status"] != "completed" {
		t.Fatalf("end response = %+v", ended)
	}

	getRes, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("get session error = %v", err)
	}
	got := decodeBody(t, getRes)
	msgs := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	res := postJSON(t, ts.URL+"/v1/sessions", nil)
	created := decodeBody(t, res)
	id := created["session"].(map[string]any)["session_id"].(string)

	badRole := postJSON(t, ts.URL+"/v1/sessions/"+id+"/messages", map[string]string{"role": "system", "content": "x"})
	defer badRole.Body.Close()
	if badRole.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad role status = %d", badRole.StatusCode)
	}

	missing := postJSON(t, ts.URL+"/v1/sessions/nope/messages", map[string]string{"role": "user", "content": "x"})
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status = %d", missing.StatusCode)
	}
}

func TestSaveRequirementLinksSession(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	res := postJSON(t, ts.URL+"/v1/sessions", nil)
	created := decodeBody(t, res)
	id := created["session"].(map[string]any)["session_id"].(string)

	saveRes := postJSON(t, ts.URL+"/v1/requirements", map[string]any{
		"task_title":       "LPデザイン制作",
		"task_description": "新サービスのランディングページ",
		"skills_required":  []string{"Figma"},
		"experience":       "2年以上",
		"budget_min":       200000,
		"budget_max":       400000,
		"session_id":       id,
	})
	if saveRes.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d", saveRes.StatusCode)
	}
	saved := decodeBody(t, saveRes)
	req := saved["requirement"].(map[string]any)
	reqID := req["id"].(string)
	if reqID == "" {
		t.Fatalf("missing requirement id: %+v", saved)
	}
	budget := req["budget"].(map[string]any)
	if budget["currency"] != "JPY" {
		t.Fatalf("budget currency = %v", budget["currency"])
	}

	getRes, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("get session error = %v", err)
	}
	got := decodeBody(t, getRes)
	if got["session"].(map[string]any)["requirement_id"] != reqID {
		t.Fatalf("session must link the saved requirement: %+v", got["session"])
	}
}

func TestSaveRequirementValidation(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	res := postJSON(t, ts.URL+"/v1/requirements", map[string]any{"task_description": "no title"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestListRequirements(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	for _, title := range []string{"案件A", "案件B"} {
		res := postJSON(t, ts.URL+"/v1/requirements", map[string]any{
			"task_title":       title,
			"task_description": "詳細",
		})
		res.Body.Close()
	}

	listRes, err := http.Get(ts.URL + "/v1/requirements?limit=1")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	list := decodeBody(t, listRes)
	if got := len(list["requirements"].([]any)); got != 1 {
		t.Fatalf("requirements = %d, want limit applied", got)
	}

	badRes, err := http.Get(ts.URL + "/v1/requirements?limit=zero")
	if err != nil {
		t.Fatalf("bad limit error = %v", err)
	}
	defer badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", badRes.StatusCode)
	}
}

func TestHealthAndPresets(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz error = %v", err)
	}
	health := decodeBody(t, res)
	if health["status"] != "ok" || health["store_mode"] != "in-memory" {
		t.Fatalf("healthz = %+v", health)
	}

	pres, err := http.Get(ts.URL + "/v1/presets")
	if err != nil {
		t.Fatalf("presets error = %v", err)
	}
	presets := decodeBody(t, pres)
	if got := len(presets["presets"].([]any)); got != 3 {
		t.Fatalf("presets = %d, want 3", got)
	}
}

func TestCrossOriginRejected(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/sessions", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("NewRequest error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example.com")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	// No Origin header means a non-browser client, which is allowed.
	plain := postJSON(t, ts.URL+"/v1/sessions", map[string]string{})
	defer plain.Body.Close()
	if plain.StatusCode != http.StatusCreated {
		t.Fatalf("same-origin status = %d, want %d", plain.StatusCode, http.StatusCreated)
	}
}

func TestListSessionsFiltersByUserAndEmbedsHistory(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{})

	res := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"user_id": "user_a"})
	created := decodeBody(t, res)
	id := created["session"].(map[string]any)["session_id"].(string)
	otherRes := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"user_id": "user_b"})
	otherRes.Body.Close()

	msgRes := postJSON(t, ts.URL+"/v1/sessions/"+id+"/messages", map[string]string{
		"role":    "user",
		"content": "ロゴデザインをお願いしたい",
	})
	msgRes.Body.Close()

	reqRes := postJSON(t, ts.URL+"/v1/requirements", map[string]any{
		"task_title":       "ロゴデザイン",
		"task_description": "ブランドロゴの新規制作",
		"session_id":       id,
	})
	reqRes.Body.Close()

	listRes, err := http.Get(ts.URL + "/v1/sessions?user_id=user_a")
	if err != nil {
		t.Fatalf("list sessions error = %v", err)
	}
	list := decodeBody(t, listRes)
	entries := list["sessions"].([]any)
	if len(entries) != 1 {
		t.Fatalf("list for user_a = %d entries, want 1", len(entries))
	}

	entry := entries[0].(map[string]any)
	sess := entry["session"].(map[string]any)
	if sess["user_id"] != "user_a" || sess["session_id"] != id {
		t.Fatalf("listed session = %+v", sess)
	}
	msgs := entry["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("listed messages = %d, want 1", len(msgs))
	}
	if msgs[0].(map[string]any)["content"] != "ロゴデザインをお願いしたい" {
		t.Fatalf("listed message = %+v", msgs[0])
	}
	rec, ok := entry["requirement"].(map[string]any)
	if !ok {
		t.Fatalf("listed entry must embed the linked requirement: %+v", entry)
	}
	if rec["task_title"] != "ロゴデザイン" {
		t.Fatalf("embedded requirement = %+v", rec)
	}
}
