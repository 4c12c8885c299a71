package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meshpay/routeguard/internal/config"
	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage/sqldb"
	"github.com/meshpay/routeguard/internal/verifier"
)

var memdbSeq int

type testServer struct {
	srv   *Server
	store *sqldb.Store
	sig   *sigcheck.Verifier
	now   time.Time
	key   *ecdsa.PrivateKey
}

func newTestServer(t *testing.T, requestsPerMinute int) *testServer {
	t.Helper()
	memdbSeq++
	store, err := sqldb.New(fmt.Sprintf("file:srvtest%d?mode=memory&cache=shared", memdbSeq))
	if err != nil {
		t.Fatalf("sqldb.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.RateLimit.RequestsPerMinute = requestsPerMinute

	ts := &testServer{
		store: store,
		sig:   sigcheck.New(),
		now:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}

	ts.key, err = crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	err = store.UpsertAgent(context.Background(), &domain.Agent{
		AgentUUID:        "agent-a",
		OwnerAddress:     crypto.PubkeyToAddress(ts.key.PublicKey),
		StakeBalanceUSDC: 10_000,
	})
	if err != nil {
		t.Fatalf("UpsertAgent() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := verifier.New(store, cfg, func() time.Time { return ts.now }, logger)
	ts.srv = New(v, Options{
		Port:              0,
		RequestTimeout:    5 * time.Second,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
	}, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.10:4242"
	rec := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(rec, req)
	return rec
}

// signedManifestBody builds a publish request signed by the agent owner.
func (ts *testServer) signedManifestBody(t *testing.T) map[string]any {
	t.Helper()
	validFrom := ts.now.Add(2 * time.Minute)
	validUntil := ts.now.Add(24 * time.Hour)
	msg := ts.sig.ManifestMessage("agent-a", "https://a.example/pay", "0xpub", 1, validFrom, validUntil, "base")
	sig, err := sigcheck.Sign(msg, ts.key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return map[string]any{
		"agent_uuid":   "agent-a",
		"endpoint_uri": "https://a.example/pay",
		"pubkey":       "0xpub",
		"nonce":        1,
		"valid_from":   validFrom.Format(time.RFC3339),
		"valid_until":  validUntil.Format(time.RFC3339),
		"signature":    sig,
		"chain":        "base",
	}
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestPublishManifest_Created(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodPost, "/v1/manifests", ts.signedManifestBody(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/manifests = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}

	var res struct {
		ManifestID   string `json:"manifest_id"`
		ManifestHash string `json:"manifest_hash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if res.ManifestID == "" || res.ManifestHash == "" {
		t.Errorf("response missing identifiers: %s", rec.Body.String())
	}
}

func TestPublishManifest_BadSignatureRejected(t *testing.T) {
	ts := newTestServer(t, 0)

	body := ts.signedManifestBody(t)
	body["endpoint_uri"] = "https://evil.example/pay"
	rec := ts.do(t, http.MethodPost, "/v1/manifests", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("tampered publish = %d, want 400", rec.Code)
	}
	if e := decodeErrorBody(t, rec); e.Kind != domain.KindValidation {
		t.Errorf("error kind = %s, want validation", e.Kind)
	}
}

func TestPublishManifest_UnknownFieldRejected(t *testing.T) {
	ts := newTestServer(t, 0)

	body := ts.signedManifestBody(t)
	body["bogus"] = true
	rec := ts.do(t, http.MethodPost, "/v1/manifests", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", rec.Code)
	}
}

func TestFlipMetrics_UnknownAgent(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodGet, "/v1/agents/agent-ghost/flip-metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET flip-metrics = %d, want 404", rec.Code)
	}
	if e := decodeErrorBody(t, rec); e.Kind != domain.KindNotFound {
		t.Errorf("error kind = %s, want not_found", e.Kind)
	}
}

func TestVerifyForward_ManifestNotFoundVerdict(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodPost, "/v1/forwards/verify", map[string]any{
		"root_tx_hash":       "0xroot",
		"source_agent_uuid":  "agent-a",
		"dest_agent_uuid":    "agent-a",
		"manifest_hash":      "0xnope",
		"manifest_nonce":     1,
		"manifest_signature": "0x00",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/forwards/verify = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var verdict struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("verdict is not JSON: %v", err)
	}
	if verdict.Status != "manifest_not_found" {
		t.Errorf("status = %s, want manifest_not_found", verdict.Status)
	}
}

func TestCommitment_BelowThreshold(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodPost, "/v1/commitments", map[string]any{
		"root_tx_hash":         "0xroot",
		"first_hop_agent_uuid": "agent-a",
		"planned_hops":         []string{"agent-a->agent-b"},
		"amount_usdc":          500,
		"chain":                "base",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("low-value commitment = %d, want 400", rec.Code)
	}
}

func TestRateLimit_TooManyRequests(t *testing.T) {
	ts := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		if rec := ts.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, rec.Code)
		}
	}
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
	if e := decodeErrorBody(t, rec); e.Code != domain.CodeRateLimited {
		t.Errorf("error code = %s, want %s", e.Code, domain.CodeRateLimited)
	}
}

func TestRequestIDHeaderPresent(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}
}
