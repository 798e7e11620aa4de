// ABOUTME: Tests for the forward-auth endpoint and data-plane limits
// ABOUTME: Exercises /auth/decide contracts and rate limited proxying

package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SatGate-io/satgate-sub000/internal/config"
)

func TestDecideRequiresOriginalRequestHeaders(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.data(t, httptest.NewRequest(http.MethodPost, "/auth/decide", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"missing_original_request"}`, rec.Body.String())
}

func TestDecideRejectsNonPOST(t *testing.T) {
	tg := newTestGateway(t)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/auth/decide", nil)
		req.Header.Set("X-Original-Method", "GET")
		req.Header.Set("X-Original-URI", "/open/a")
		rec := tg.data(t, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	}
}

func TestDecideRejectsBody(t *testing.T) {
	tg := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/decide", strings.NewReader("payload"))
	req.Header.Set("X-Original-Method", "GET")
	req.Header.Set("X-Original-URI", "/open/a")
	rec := tg.data(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDecideRejectsChunkedBody(t *testing.T) {
	tg := newTestGateway(t)

	// A chunked transfer reports ContentLength -1 with a body present.
	req := httptest.NewRequest(http.MethodPost, "/auth/decide", strings.NewReader("payload"))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("X-Original-Method", "GET")
	req.Header.Set("X-Original-URI", "/open/a")
	rec := tg.data(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDecideAllow(t *testing.T) {
	tg := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/decide", nil)
	req.Header.Set("X-Original-Method", "GET")
	req.Header.Set("X-Original-URI", "/open/a?q=1")
	rec := tg.data(t, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "open", rec.Header().Get("X-SatGate-Route"))
	assert.Empty(t, rec.Body.String())
}

func TestDecidePaymentRequired(t *testing.T) {
	tg := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/decide", nil)
	req.Header.Set("X-Original-Method", "GET")
	req.Header.Set("X-Original-URI", "/paid/data")
	rec := tg.data(t, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestDecideDeny(t *testing.T) {
	tg := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/decide", nil)
	req.Header.Set("X-Original-Method", "GET")
	req.Header.Set("X-Original-URI", "/capped/x")
	rec := tg.data(t, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing_token"}`, rec.Body.String())
}

func TestDataPlaneRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
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
upstreams:
  echo:
    url: %q
routes:
  - name: open
    match:
      path_prefix: /open/
    upstream: echo
    policy:
      type: public
ratelimit:
  - path_regexp: "^/open/"
    requests: 2
    burst: 2
    per: 1h
`, testJWTSecret, upstream.URL)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	gw, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.store.Close() })

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/open/a", nil)
		req.RemoteAddr = "203.0.113.9:4321"
		rec := httptest.NewRecorder()
		gw.dataServer.Handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	require.Equal(t, http.StatusOK, send().Code)

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limited"}`, rec.Body.String())
}

func TestPanicBecomes500(t *testing.T) {
	tg := newTestGateway(t)

	handler := tg.gw.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open/a", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal_error"}`, rec.Body.String())
}
