package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/session"
	"pharmatrace/pkg/store"
	"pharmatrace/pkg/walletsig"
	"pharmatrace/services/custody/internal/app"
	"pharmatrace/services/custody/internal/security"
)

var sessionKey = sync.OnceValues(session.GenerateKey)

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Observe(_ context.Context, event, outcome, _ string) (security.AlertResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+"/"+outcome)
	return security.AlertResult{}, nil
}

func (a *recordingAlerter) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	key, err := sessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	sessions, err := session.NewManager(key, time.Hour, session.NewMemoryRevoker(), session.Options{})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	a, err := app.New(app.Config{Store: store.NewMemoryStore(), Sessions: sessions})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *app.App) {
	t.Helper()
	if cfg.App == nil {
		cfg.App = newTestApp(t)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return ts, cfg.App
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func expectStatus(t *testing.T, resp *http.Response, body map[string]any, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d (%v)", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

type testWallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newTestWallet(t *testing.T) testWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testWallet{key: key, address: walletsig.AddressOf(key)}
}

// register runs the nonce and register round trip and returns the session token.
func (w testWallet) register(t *testing.T, ts *httptest.Server, role domain.Role) string {
	t.Helper()
	resp, challenge := doJSON(t, ts, http.MethodPost, "/auth/wallet/nonce", "", map[string]string{"walletAddress": w.address})
	expectStatus(t, resp, challenge, http.StatusOK)
	if challenge["isNewUser"] != true {
		t.Fatalf("expected a new user challenge, got %v", challenge)
	}
	message, _ := challenge["message"].(string)
	sig, err := walletsig.Sign(w.key, message)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, body := doJSON(t, ts, http.MethodPost, "/auth/wallet/register", "", map[string]string{
		"walletAddress": w.address,
		"signature":     sig,
		"message":       message,
		"role":          string(role),
		"companyName":   "Acme " + string(role),
		"licenseNumber": "LIC-1",
	})
	expectStatus(t, resp, body, http.StatusCreated)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("register returned no token: %v", body)
	}
	return token
}

var batchBody = map[string]any{
	"drugName":              "Amoxicillin 500mg",
	"batchNumber":           "AMX-001",
	"quantity":              1000,
	"productionDate":        "2024-01-15",
	"expiryDate":            "2099-01-15",
	"manufacturingLocation": "Pune",
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	resp, body := doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestCustodyFlowOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	mfr := newTestWallet(t)
	dist := newTestWallet(t)
	mfrToken := mfr.register(t, ts, domain.RoleManufacturer)
	distToken := dist.register(t, ts, domain.RoleDistributor)

	resp, me := doJSON(t, ts, http.MethodGet, "/auth/me", mfrToken, nil)
	expectStatus(t, resp, me, http.StatusOK)
	if me["role"] != "manufacturer" {
		t.Fatalf("unexpected identity %v", me)
	}

	resp, batch := doJSON(t, ts, http.MethodPost, "/batches", mfrToken, batchBody)
	expectStatus(t, resp, batch, http.StatusCreated)
	serial, _ := batch["serialId"].(string)
	if serial == "" {
		t.Fatalf("missing serial id: %v", batch)
	}

	resp, transfer := doJSON(t, ts, http.MethodPost, "/batches/"+serial+"/transfers", mfrToken, map[string]any{
		"recipient": dist.address,
		"quantity":  1000,
		"location":  "Mumbai DC",
	})
	expectStatus(t, resp, transfer, http.StatusCreated)
	transferID, _ := transfer["id"].(string)

	resp, incoming := doJSON(t, ts, http.MethodGet, "/transfers/incoming", distToken, nil)
	expectStatus(t, resp, incoming, http.StatusOK)
	if incoming["count"] != float64(1) {
		t.Fatalf("expected one incoming transfer, got %v", incoming)
	}

	// Only the recipient may accept.
	resp, body := doJSON(t, ts, http.MethodPost, "/transfers/"+transferID+"/accept", mfrToken, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = doJSON(t, ts, http.MethodPost, "/transfers/"+transferID+"/accept", distToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = doJSON(t, ts, http.MethodPost, "/transfers/"+transferID+"/accept", distToken, nil)
	expectStatus(t, resp, body, http.StatusConflict)

	resp, details := doJSON(t, ts, http.MethodGet, "/batches/"+serial, distToken, nil)
	expectStatus(t, resp, details, http.StatusOK)
	inner, _ := details["batch"].(map[string]any)
	if inner["status"] != "transferred" {
		t.Fatalf("expected transferred batch, got %v", inner)
	}

	resp, trail := doJSON(t, ts, http.MethodGet, "/audit/serial/"+serial, distToken, nil)
	expectStatus(t, resp, trail, http.StatusOK)
	if trail["count"] != float64(3) {
		t.Fatalf("expected register, propose and accept events, got %v", trail)
	}

	resp, verdict := doJSON(t, ts, http.MethodPost, "/verify", "", map[string]string{"serialId": serial})
	expectStatus(t, resp, verdict, http.StatusOK)
	if verdict["result"] != "authentic" {
		t.Fatalf("expected authentic verdict, got %v", verdict)
	}

	resp, history := doJSON(t, ts, http.MethodGet, "/batches/"+serial+"/verifications", distToken, nil)
	expectStatus(t, resp, history, http.StatusOK)
	if history["count"] != float64(1) {
		t.Fatalf("expected one verification row, got %v", history)
	}

	resp, stats := doJSON(t, ts, http.MethodGet, "/stats", mfrToken, nil)
	expectStatus(t, resp, stats, http.StatusOK)

	resp, body = doJSON(t, ts, http.MethodPost, "/auth/logout", mfrToken, nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = doJSON(t, ts, http.MethodGet, "/auth/me", mfrToken, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	mfrToken := newTestWallet(t).register(t, ts, domain.RoleManufacturer)
	consumerToken := newTestWallet(t).register(t, ts, domain.RoleConsumer)

	resp, body := doJSON(t, ts, http.MethodGet, "/batches", "", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
	if body["error"] != "invalid credentials" {
		t.Fatalf("expected generic credential error, got %v", body)
	}

	bad := map[string]any{}
	for k, v := range batchBody {
		bad[k] = v
	}
	bad["expiryDate"] = "next year"
	resp, body = doJSON(t, ts, http.MethodPost, "/batches", mfrToken, bad)
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = doJSON(t, ts, http.MethodPost, "/batches", consumerToken, batchBody)
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = doJSON(t, ts, http.MethodGet, "/batches/DRUG-2024-00000000", mfrToken, nil)
	expectStatus(t, resp, body, http.StatusNotFound)

	resp, body = doJSON(t, ts, http.MethodGet, "/batches?limit=zero", mfrToken, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, batch := doJSON(t, ts, http.MethodPost, "/batches", mfrToken, batchBody)
	expectStatus(t, resp, batch, http.StatusCreated)
	serial, _ := batch["serialId"].(string)
	resp, body = doJSON(t, ts, http.MethodPost, "/batches/"+serial+"/recalls", mfrToken, map[string]string{"reason": "contamination"})
	expectStatus(t, resp, body, http.StatusCreated)
	resp, body = doJSON(t, ts, http.MethodPost, "/batches/"+serial+"/recalls", mfrToken, map[string]string{"reason": "again"})
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = doJSON(t, ts, http.MethodPost, "/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "whatever-pass"})
	expectStatus(t, resp, body, http.StatusUnauthorized)
	if body["error"] != "invalid credentials" {
		t.Fatalf("login failure must not reveal the reason, got %v", body)
	}
}

func TestVerifyWithInvalidBearerIsRejected(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	resp, body := doJSON(t, ts, http.MethodPost, "/verify", "not-a-token", map[string]string{"serialId": "DRUG-2024-FFFFFFFF"})
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestCounterfeitVerdictFeedsAlerter(t *testing.T) {
	alerter := &recordingAlerter{}
	ts, _ := newTestServer(t, Config{Alerter: alerter})
	pharmToken := newTestWallet(t).register(t, ts, domain.RolePharmacy)

	resp, verdict := doJSON(t, ts, http.MethodPost, "/verify", pharmToken, map[string]string{"serialId": "DRUG-2024-FFFFFFFF"})
	expectStatus(t, resp, verdict, http.StatusOK)
	if verdict["result"] != "counterfeit" {
		t.Fatalf("expected counterfeit verdict, got %v", verdict)
	}
	resp, verdict = doJSON(t, ts, http.MethodPost, "/verify", "", map[string]string{"serialId": "DRUG-2024-FFFFFFFF"})
	expectStatus(t, resp, verdict, http.StatusOK)
	if verdict["result"] != "unknown" {
		t.Fatalf("expected unknown verdict, got %v", verdict)
	}

	seen := alerter.seen()
	if len(seen) != 1 || seen[0] != security.EventVerify+"/"+security.OutcomeCounterfeit {
		t.Fatalf("unexpected alerter events %v", seen)
	}

	resp, body := doJSON(t, ts, http.MethodPost, "/auth/wallet/login", "", map[string]string{
		"walletAddress": newTestWallet(t).address,
		"signature":     "0x00",
		"message":       "hello",
	})
	expectStatus(t, resp, body, http.StatusUnauthorized)
	seen = alerter.seen()
	if len(seen) != 2 || seen[1] != security.EventWalletLogin+"/"+security.OutcomeFail {
		t.Fatalf("expected login failure to be observed, got %v", seen)
	}
}

func TestWalletAuthRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	ts, _ := newTestServer(t, Config{RedisAddr: mr.Addr(), WalletAuthRateLimitPerMinute: 2})
	addr := newTestWallet(t).address

	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, ts, http.MethodPost, "/auth/wallet/nonce", "", map[string]string{"walletAddress": addr})
		expectStatus(t, resp, body, http.StatusOK)
	}
	resp, body := doJSON(t, ts, http.MethodPost, "/auth/wallet/nonce", "", map[string]string{"walletAddress": addr})
	expectStatus(t, resp, body, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// Other routes keep their own budget.
	resp, body = doJSON(t, ts, http.MethodPost, "/verify", "", map[string]string{"serialId": "DRUG-2024-FFFFFFFF"})
	expectStatus(t, resp, body, http.StatusOK)
}
