// ABOUTME: End-to-end tests running the assembled gateway in-process
// ABOUTME: Covers public, deny, pay-and-retry, capability, and admin flows

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SatGate-io/satgate-sub000/internal/auth"
	"github.com/SatGate-io/satgate-sub000/internal/config"
	"github.com/SatGate-io/satgate-sub000/internal/l402"
	"github.com/SatGate-io/satgate-sub000/internal/lightning"
	"github.com/SatGate-io/satgate-sub000/internal/token"
)

const (
	testRootKey   = "6157d95d1ba6e47436abe4aa1b4ac16d6157d95d1ba6e47436abe4aa1b4ac16d"
	testJWTSecret = "admin-test-secret-of-decent-size"
)

type testGateway struct {
	gw       *Gateway
	upstream *httptest.Server
	backend  *lightning.FakeBackend
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"served":%q}`, r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	yaml := fmt.Sprintf(`
version: 1
server:
  listen: "127.0.0.1:0"
admin:
  listen: "127.0.0.1:0"
  jwt_secret: %q
database:
  path: ":memory:"
metering:
  backend: memory
upstreams:
  echo:
    url: %q
l402:
  mode: demo
  root_key: %q
  default_ttl_seconds: 3600
  tiers:
    basic:
      price_sats: 21
      scope: "api:basic"
      description: "basic tier"
routes:
  - name: open
    match:
      path_prefix: /open/
    upstream: echo
    policy:
      type: public
  - name: blocked
    match:
      exact_path: /blocked
    policy:
      type: deny
      status: 451
  - name: paid
    match:
      path_prefix: /paid/
    upstream: echo
    policy:
      type: l402
      tier: basic
  - name: capped
    match:
      path_prefix: /capped/
    upstream: echo
    policy:
      type: capability
      scope: "api:capped"
      max_calls: 2
`, testJWTSecret, upstream.URL, testRootKey)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.store.Close() })

	backend, ok := gw.backend.(*lightning.FakeBackend)
	require.True(t, ok, "demo mode must select the fake backend")

	return &testGateway{gw: gw, upstream: upstream, backend: backend}
}

func (tg *testGateway) data(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	tg.gw.dataServer.Handler.ServeHTTP(rec, req)
	return rec
}

func (tg *testGateway) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	verifier := auth.NewJWTVerifier([]byte(testJWTSecret))
	jwt, err := verifier.Generate("test-operator", time.Hour)
	require.NoError(t, err)

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+jwt)

	rec := httptest.NewRecorder()
	tg.gw.adminServer.Handler.ServeHTTP(rec, req)
	return rec
}

// payChallenge decodes a 402 body, settles the invoice against the
// fake backend, and returns the Authorization header for the retry.
func payChallenge(t *testing.T, backend *lightning.FakeBackend, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body l402.ChallengeBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body.Payment.Macaroon)
	require.NotEmpty(t, body.Payment.Invoice)

	tok, err := token.Decode(body.Payment.Macaroon)
	require.NoError(t, err)
	id, err := tok.Identifier()
	require.NoError(t, err)

	preimage, ok := backend.PreimageFor(id.PaymentHash)
	require.True(t, ok)
	return "L402 " + body.Payment.Macaroon + ":" + preimage
}

func TestPublicRoute(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.data(t, httptest.NewRequest(http.MethodGet, "/open/hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/open/hello")
	assert.Equal(t, "open", rec.Header().Get("X-SatGate-Route"))
}

func TestDenyRoute(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.data(t, httptest.NewRequest(http.MethodGet, "/blocked", nil))
	assert.Equal(t, 451, rec.Code)
	assert.JSONEq(t, `{"error":"policy_deny"}`, rec.Body.String())
}

func TestUnmatchedPathFailsClosed(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.data(t, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"no_route"}`, rec.Body.String())
}

func TestPayAndRetryFlow(t *testing.T) {
	tg := newTestGateway(t)

	// First request gets a 402 with challenge material in both the
	// header and the body.
	rec := tg.data(t, httptest.NewRequest(http.MethodGet, "/paid/data", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	wwwAuth := rec.Header().Get("WWW-Authenticate")
	assert.True(t, strings.HasPrefix(wwwAuth, "L402 "))
	assert.Contains(t, wwwAuth, "macaroon=")
	assert.Contains(t, wwwAuth, "invoice=")

	authHeader := payChallenge(t, tg.backend, rec)

	// The retry with proof of payment goes through to the upstream.
	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("Authorization", authHeader)
	rec = tg.data(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/paid/data")
	assert.Equal(t, "paid", rec.Header().Get("X-SatGate-Route"))
	assert.Equal(t, "basic", rec.Header().Get("X-SatGate-Tier"))
}

func TestGarbageCredentialsRechallenged(t *testing.T) {
	tg := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("Authorization", "L402 notamacaroon:abcd")
	rec := tg.data(t, req)

	// Bad credentials on a payment route mean a fresh challenge, not a
	// bare error.
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestBannedTokenRejected(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.data(t, httptest.NewRequest(http.MethodGet, "/paid/data", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	authHeader := payChallenge(t, tg.backend, rec)

	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("Authorization", authHeader)
	rec = tg.data(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Ban the token's signature through the admin plane.
	macB64 := strings.TrimPrefix(strings.SplitN(authHeader, ":", 2)[0], "L402 ")
	tok, err := token.Decode(macB64)
	require.NoError(t, err)

	adminRec := tg.admin(t, http.MethodPost, "/admin/bans", map[string]any{
		"signature": tok.SignatureHex(),
		"reason":    "test ban",
	})
	require.Equal(t, http.StatusCreated, adminRec.Code)

	// The banned token is re-challenged even though its crypto checks
	// still pass.
	req = httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("Authorization", authHeader)
	rec = tg.data(t, req)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestCapabilityRouteLifecycle(t *testing.T) {
	tg := newTestGateway(t)

	// No token at all.
	rec := tg.data(t, httptest.NewRequest(http.MethodGet, "/capped/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Mint a capability token through the admin plane.
	adminRec := tg.admin(t, http.MethodPost, "/admin/tokens", map[string]any{
		"scope":       "api:capped",
		"ttl_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, adminRec.Code)
	var minted struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(adminRec.Body).Decode(&minted))

	// The route's max_calls of 2 caps usage.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/capped/x", nil)
		req.Header.Set("Authorization", "Capability "+minted.Token)
		rec = tg.data(t, req)
		require.Equal(t, http.StatusOK, rec.Code, "call %d", i)
	}

	req := httptest.NewRequest(http.MethodGet, "/capped/x", nil)
	req.Header.Set("Authorization", "Capability "+minted.Token)
	rec = tg.data(t, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Calls-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestCapabilityScopeMismatch(t *testing.T) {
	tg := newTestGateway(t)

	adminRec := tg.admin(t, http.MethodPost, "/admin/tokens", map[string]any{
		"scope":       "api:other",
		"ttl_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, adminRec.Code)
	var minted struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(adminRec.Body).Decode(&minted))

	req := httptest.NewRequest(http.MethodGet, "/capped/x", nil)
	req.Header.Set("Authorization", "Capability "+minted.Token)
	rec := tg.data(t, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"scope_violation"}`, rec.Body.String())
}

func TestAdminPlaneRequiresJWT(t *testing.T) {
	tg := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	tg.gw.adminServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndMetricsUnauthenticated(t *testing.T) {
	tg := newTestGateway(t)

	rec := httptest.NewRecorder()
	tg.gw.adminServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	tg.gw.adminServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsCountDecisions(t *testing.T) {
	tg := newTestGateway(t)

	tg.data(t, httptest.NewRequest(http.MethodGet, "/open/a", nil))
	tg.data(t, httptest.NewRequest(http.MethodGet, "/blocked", nil))
	tg.data(t, httptest.NewRequest(http.MethodGet, "/paid/x", nil))

	rec := tg.admin(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.EqualValues(t, 3, stats["requests_total"])
	assert.EqualValues(t, 1, stats["allowed_total"])
	assert.EqualValues(t, 1, stats["denied_total"])
	assert.EqualValues(t, 1, stats["challenges_total"])
}

func TestRunAndGracefulShutdown(t *testing.T) {
	tg := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.gw.Run(ctx) }()

	// Give the listeners a moment to come up, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
