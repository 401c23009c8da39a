package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-bridge/proxy/internal/accounts"
	"github.com/antigravity-bridge/proxy/internal/config"
	"github.com/antigravity-bridge/proxy/internal/credstore"
	"github.com/antigravity-bridge/proxy/internal/dispatch"
	"github.com/antigravity-bridge/proxy/internal/sigcache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func newTestServer(t *testing.T, upstreamURL string) (*Server, *accounts.Pool) {
	t.Helper()

	cred := credstore.New(credstore.NewStaticKeySource("primary", testKey(1)))
	pool := accounts.NewPool(cred, nil, true)

	bundle, err := cred.Encrypt([]byte(`{"access_token":"tok-abc","expiry":"2999-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	acct, err := pool.Add("gemini", "a@example.com", "A", "", "proj-1", []byte(`{"access_token":"tok-abc"}`), false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	acct.CredentialBundle = bundle

	d, err := dispatch.New([]string{upstreamURL}, "test-agent", 2*time.Second, "")
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	cfg := config.Default()
	cfg.AutoSwitchEnabled = true

	srv := New(Deps{
		Config:     cfg,
		DataDir:    t.TempDir(),
		Pool:       pool,
		Cred:       cred,
		SigStore:   sigcache.New(0),
		Dispatcher: d,
		Onboarders: map[string]*accounts.Onboarder{},
	})
	return srv, pool
}

func TestHandleMessagesHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"text":"hi"}]}}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)

	body := bytes.NewBufferString(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"candidates":[{"text":"hi"}]}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleMessagesNoActiveAccount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv, pool := newTestServer(t, upstream.URL)
	for _, a := range pool.List() {
		_ = pool.Delete(a.ID)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(`{"model":"gemini-2.5-pro","messages":[]}`))
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != "ERR_NO_ACCOUNT" {
		t.Fatalf("unexpected code: %s", errResp.Error.Code)
	}
}

// TestHandleMessagesRetriesOnceAfterRateLimit covers spec §7's recovery
// policy: a 429 marks the account rate_limited and retries once against
// the auto-switch-selected replacement.
func TestHandleMessagesRetriesOnceAfterRateLimit(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer upstream.Close()

	srv, pool := newTestServer(t, upstream.URL)

	bundle, err := srv.deps.Cred.Encrypt([]byte(`{"access_token":"tok-def","expiry":"2999-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := pool.Add("gemini", "b@example.com", "B", "", "proj-2", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second.CredentialBundle = bundle

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(`{"model":"gemini-2.5-pro","messages":[]}`))
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	// Both accounts are rate limited in this scenario (the fake upstream
	// always returns 429), so the client still sees the terminal error, but
	// exactly two dispatch attempts (one per distinct account) must occur.
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 dispatch attempts, got %d", got)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer upstream.Close()
	srv, _ := newTestServer(t, upstream.URL)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
	getRec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", getRec.Code)
	}

	var cfg config.Config
	if err := json.Unmarshal(getRec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	cfg.AutoSwitchEnabled = false

	payload, _ := json.Marshal(cfg)
	putReq := httptest.NewRequest(http.MethodPut, "/v1/settings", bytes.NewReader(payload))
	putRec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", putRec.Code, putRec.Body.String())
	}
	if srv.deps.Config.AutoSwitchEnabled {
		t.Fatal("expected AutoSwitchEnabled to be persisted as false")
	}
}

func TestListAndSwitchAccounts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer upstream.Close()
	srv, pool := newTestServer(t, upstream.URL)

	second, err := pool.Add("gemini", "b@example.com", "B", "", "proj-2", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	listRec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	if bytes.Contains(listRec.Body.Bytes(), []byte("credential_bundle")) {
		t.Fatal("expected redacted accounts, found credential field")
	}

	switchReq := httptest.NewRequest(http.MethodPost, "/v1/accounts/"+second.ID+"/switch", nil)
	switchRec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(switchRec, switchReq)
	if switchRec.Code != http.StatusOK {
		t.Fatalf("switch status = %d, body = %s", switchRec.Code, switchRec.Body.String())
	}
	if got := pool.GetActive(); got == nil || got.ID != second.ID {
		t.Fatalf("expected %s active, got %+v", second.ID, got)
	}
}
