package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/neboloop/conductor/internal/config"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	t.Setenv("CONDUCTOR_KEYRING_DISABLED", "1")

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(backend.Close)

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Loop.BaseURL = backend.URL
	cfg.Loop.AuthMode = "manual"
	cfg.Loop.ManualToken = "test-manual-token"
	cfg.Agent.URL = "ws://127.0.0.1:1/agent"
	cfg.Gateway.SessionSecret = "test-session-secret"
	if mutate != nil {
		mutate(cfg)
	}

	svcCtx := svc.NewServiceContext(cfg)
	t.Cleanup(svcCtx.Close)

	srv := httptest.NewServer(Router(svcCtx, Options{Quiet: true}))
	t.Cleanup(srv.Close)
	return srv
}

func pair(t *testing.T, srv *httptest.Server, secret string) (string, int) {
	t.Helper()
	body, _ := json.Marshal(types.PairRequest{Secret: secret})
	resp, err := http.Post(srv.URL+"/api/v1/auth/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("pair request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode
	}
	var pr types.PairResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		t.Fatalf("decode pair response: %v", err)
	}
	return pr.Token, resp.StatusCode
}

func authedGet(t *testing.T, srv *httptest.Server, token, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var hr types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("status = %q, want healthy", hr.Status)
	}
}

func TestProtectedRoutesRequireSessionToken(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /api/v1/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}

func TestPairWithoutHashTrustsLocalClient(t *testing.T) {
	srv := newTestServer(t, nil)

	token, code := pair(t, srv, "anything")
	if code != http.StatusOK || token == "" {
		t.Fatalf("pair: code=%d token=%q", code, token)
	}

	resp := authedGet(t, srv, token, "/api/v1/status")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authed status = %d, want 200", resp.StatusCode)
	}
	var st types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Port != "disconnected" {
		t.Errorf("port state = %q, want disconnected", st.Port)
	}
	if st.Phase != "idle" {
		t.Errorf("phase = %q, want idle", st.Phase)
	}
}

func TestPairChecksSecretWhenHashConfigured(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, func(c *config.Config) {
		c.Gateway.PairingHash = string(hash)
	})

	if _, code := pair(t, srv, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: code = %d, want 401", code)
	}
	token, code := pair(t, srv, "s3cret")
	if code != http.StatusOK || token == "" {
		t.Fatalf("right secret: code=%d token=%q", code, token)
	}
}

func TestQuestionsEndpointReportsInactiveSet(t *testing.T) {
	srv := newTestServer(t, nil)
	token, _ := pair(t, srv, "")

	resp := authedGet(t, srv, token, "/api/v1/questions")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var qr types.QuestionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if qr.Active {
		t.Error("active = true for empty flow")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)
	token, _ := pair(t, srv, "")

	auto := "auto"
	body, _ := json.Marshal(types.UpdateSettingsRequest{ApprovalMode: &auto})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/settings", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /settings: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}

	get := authedGet(t, srv, token, "/api/v1/settings")
	defer get.Body.Close()
	var sr types.SettingsResponse
	if err := json.NewDecoder(get.Body).Decode(&sr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sr.ApprovalMode != "auto" {
		t.Errorf("approval mode = %q, want auto", sr.ApprovalMode)
	}
}

func TestSkillsListStartsEmpty(t *testing.T) {
	srv := newTestServer(t, nil)
	token, _ := pair(t, srv, "")

	resp := authedGet(t, srv, token, "/api/v1/skills")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var skr types.SkillsResponse
	if err := json.NewDecoder(resp.Body).Decode(&skr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(skr.Skills) != 0 {
		t.Errorf("skills = %d, want 0", len(skr.Skills))
	}
}
