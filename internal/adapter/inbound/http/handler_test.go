package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keymint/keymint/internal/adapter/outbound/memory"
	"github.com/keymint/keymint/internal/domain/credential"
	"github.com/keymint/keymint/internal/domain/ratelimit"
	"github.com/keymint/keymint/internal/domain/verifier"
	"github.com/keymint/keymint/internal/service"
)

const testAdminSecret = "test-admin-secret"

// Fast Argon2id parameters so the suite stays quick.
var testVerifierParams = verifier.Params{TimeCost: 1, MemoryKiB: 16 * 1024, Parallelism: 1}

type testServer struct {
	store   *memory.Store
	admin   *service.AdminService
	handler http.Handler
}

func newTestServer(t *testing.T, threshold int) *testServer {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limiter := ratelimit.NewLimiter(store, threshold, 120*time.Second)
	validation := service.NewValidationService(store, limiter, logger)
	admin := service.NewAdminService(store, verifier.New(testVerifierParams), logger)

	h := NewHandler(validation, admin, NewHealthChecker(store, store, "test"), nil)
	return &testServer{
		store:   store,
		admin:   admin,
		handler: h.Routes(AdminGate(testAdminSecret)),
	}
}

// do runs one request through the mux and returns the recorder.
func (ts *testServer) do(t *testing.T, method, target, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminSecret)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) mint(t *testing.T, projectID string) *service.MintResult {
	t.Helper()
	res, err := ts.admin.MintKey(context.Background(), service.MintParams{
		ProjectID: projectID,
		Owner:     "tester",
		Metadata:  "m",
	})
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	return res
}

func TestValidateKeyOK(t *testing.T) {
	ts := newTestServer(t, 100)
	minted := ts.mint(t, "merlin")

	rec := ts.do(t, http.MethodPost, "/v1/validate-key",
		fmt.Sprintf(`{"api_key":%q}`, minted.Bearer), false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res validateKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ProjectID != "merlin" || res.KeyID != minted.KeyID || res.Owner != "tester" {
		t.Errorf("response = %+v", res)
	}
	if strings.Contains(rec.Body.String(), "secret_hash") {
		t.Error("response leaks the stored verifier")
	}
}

func TestValidateKeyDenialsAreIndistinguishable(t *testing.T) {
	ts := newTestServer(t, 100)
	minted := ts.mint(t, "merlin")

	revoked := ts.mint(t, "merlin")
	if rec := ts.do(t, http.MethodPost, "/v1/revoke-key",
		fmt.Sprintf(`{"project_id":"merlin","key_id":%q}`, revoked.KeyID), true); rec.Code != http.StatusOK {
		t.Fatalf("revoke failed: %d", rec.Code)
	}

	tampered, err := credential.Parse(minted.Bearer)
	if err != nil {
		t.Fatal(err)
	}
	tampered.Secret = strings.Repeat("x", 32)

	bearers := map[string]string{
		"malformed":     "not-a-bearer-at-all",
		"unknown key":   "sk-proj.merlin.k_zzzzzzz." + strings.Repeat("y", 32),
		"wrong secret":  tampered.String(),
		"disabled":      revoked.Bearer,
		"wrong project": "sk-proj.ghost." + minted.KeyID + "." + strings.Repeat("z", 32),
	}

	var reference []byte
	for cause, bearer := range bearers {
		rec := ts.do(t, http.MethodPost, "/v1/validate-key",
			fmt.Sprintf(`{"api_key":%q}`, bearer), false)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", cause, rec.Code)
		}
		if reference == nil {
			reference = rec.Body.Bytes()
			continue
		}
		if !bytes.Equal(rec.Body.Bytes(), reference) {
			t.Errorf("%s: denial body differs:\n  got  %s\n  want %s", cause, rec.Body.Bytes(), reference)
		}
	}
}

func TestValidateKeyMalformedJSON(t *testing.T) {
	ts := newTestServer(t, 100)

	for _, body := range []string{"{", `{"api_key":1}`, `{"api_key":"x","extra":true}`, `{} trailing`} {
		rec := ts.do(t, http.MethodPost, "/v1/validate-key", body, false)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestValidateKeyRateLimited(t *testing.T) {
	ts := newTestServer(t, 2)
	minted := ts.mint(t, "merlin")
	body := fmt.Sprintf(`{"api_key":%q}`, minted.Bearer)

	for i := 0; i < 2; i++ {
		if rec := ts.do(t, http.MethodPost, "/v1/validate-key", body, false); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := ts.do(t, http.MethodPost, "/v1/validate-key", body, false)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAdminGate(t *testing.T) {
	ts := newTestServer(t, 100)

	rec := ts.do(t, http.MethodGet, "/v1/list-keys?project_id=p", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/list-keys?project_id=p", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}

	// The public endpoint never consults the gate.
	rec = ts.do(t, http.MethodPost, "/v1/validate-key", `{"api_key":"x"}`, false)
	if rec.Code == http.StatusUnauthorized && strings.Contains(rec.Body.String(), "bearer token") {
		t.Error("validate-key went through the admin gate")
	}
}

func TestAdminGateDisabledWithoutSecret(t *testing.T) {
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.NewLimiter(store, 100, 120*time.Second)
	h := NewHandler(
		service.NewValidationService(store, limiter, logger),
		service.NewAdminService(store, verifier.New(testVerifierParams), logger),
		NewHealthChecker(store, store, "test"),
		nil,
	)
	handler := h.Routes(AdminGate(""))

	req := httptest.NewRequest(http.MethodGet, "/v1/list-keys?project_id=p", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "admin_disabled") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMintKeyEndpoint(t *testing.T) {
	ts := newTestServer(t, 100)

	rec := ts.do(t, http.MethodPost, "/v1/mint-key",
		`{"project_id":"merlin","owner":"Mario","metadata":"research"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res mintKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	cred, err := credential.Parse(res.APIKey)
	if err != nil {
		t.Fatalf("returned api_key does not parse: %v", err)
	}
	if cred.ProjectID != "merlin" {
		t.Errorf("project in bearer = %s", cred.ProjectID)
	}

	// The minted credential validates immediately.
	vrec := ts.do(t, http.MethodPost, "/v1/validate-key",
		fmt.Sprintf(`{"api_key":%q}`, res.APIKey), false)
	if vrec.Code != http.StatusOK {
		t.Errorf("fresh key denied: %d %s", vrec.Code, vrec.Body.String())
	}
}

func TestMintKeyRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, 100)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad project id", `{"project_id":"has.dots","owner":"o"}`, http.StatusUnprocessableEntity},
		{"missing owner", `{"project_id":"p"}`, http.StatusUnprocessableEntity},
		{"oversized metadata", fmt.Sprintf(`{"project_id":"p","owner":"o","metadata":%q}`, strings.Repeat("a", 5000)), http.StatusUnprocessableEntity},
		{"unknown field", `{"project_id":"p","owner":"o","secret":"mine"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/mint-key", tt.body, true)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRevokeKeyEndpoint(t *testing.T) {
	ts := newTestServer(t, 100)
	minted := ts.mint(t, "merlin")

	body := fmt.Sprintf(`{"project_id":"merlin","key_id":%q}`, minted.KeyID)
	rec := ts.do(t, http.MethodPost, "/v1/revoke-key", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"revoked":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	// Revoked keys are denied like any other bad credential.
	vrec := ts.do(t, http.MethodPost, "/v1/validate-key",
		fmt.Sprintf(`{"api_key":%q}`, minted.Bearer), false)
	if vrec.Code != http.StatusUnauthorized {
		t.Errorf("revoked key status = %d, want 401", vrec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/revoke-key",
		`{"project_id":"merlin","key_id":"k_missing"}`, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing key status = %d, want 404", rec.Code)
	}
}

func TestListKeysEndpoint(t *testing.T) {
	ts := newTestServer(t, 100)
	for i := 0; i < 3; i++ {
		ts.mint(t, "merlin")
	}

	rec := ts.do(t, http.MethodGet, "/v1/list-keys?project_id=merlin", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var page service.KeyPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 3 || page.Next != nil {
		t.Errorf("page = %+v", page)
	}
	if strings.Contains(rec.Body.String(), "secret_hash") {
		t.Error("listing leaks the stored verifier")
	}

	rec = ts.do(t, http.MethodGet, "/v1/list-keys?project_id=merlin&limit=2", "", true)
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 || page.Next == nil || *page.Next != 2 {
		t.Errorf("limited page = %+v", page)
	}

	rec = ts.do(t, http.MethodGet, "/v1/list-keys?project_id=merlin&limit=abc", "", true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad limit status = %d, want 422", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/list-keys", "", true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing project_id status = %d, want 422", rec.Code)
	}
}

func TestProjectEndpoints(t *testing.T) {
	ts := newTestServer(t, 100)

	rec := ts.do(t, http.MethodPost, "/v1/admin/create-project?project_id=merlin&label=Research&owner=Mario", "", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"project_id":"merlin"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/v1/admin/create-project?project_id=merlin&label=Again&owner=Mario", "", true)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/admin/project/merlin", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/admin/project/ghost", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing project status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, 100)

	rec := ts.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "healthy" || res.Checks["validator_store"] != "ok" {
		t.Errorf("response = %+v", res)
	}

	ts.store.FailWith(fmt.Errorf("store down"))
	rec = ts.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
}
