// ABOUTME: Tests for the admin HTTP API
// ABOUTME: Exercises ban lifecycle, audit export, and capability minting

package admin

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SatGate-io/satgate-sub000/internal/auth"
	"github.com/SatGate-io/satgate-sub000/internal/store"
	"github.com/SatGate-io/satgate-sub000/internal/token"
)

type staticStats map[string]any

func (s staticStats) Stats() map[string]any { return s }

type adminEnv struct {
	server  *Server
	store   *store.SQLiteStore
	rootKey []byte
	mux     *http.ServeMux
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rootKey := make([]byte, 32)
	_, err = rand.Read(rootKey)
	require.NoError(t, err)

	srv := New(st, st, staticStats{"requests_total": int64(7)}, rootKey, "https://gw.test", nil)
	mux := http.NewServeMux()
	srv.Routes(mux)

	return &adminEnv{server: srv, store: st, rootKey: rootKey, mux: mux}
}

// do issues a request as the given operator, mirroring what the auth
// middleware does in production.
func (e *adminEnv) do(t *testing.T, operator, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.WithOperator(req.Context(), operator))

	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestBanLifecycle(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/admin/bans", map[string]any{
		"signature": "deadbeef",
		"reason":    "abuse",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	banned, err := env.store.IsBanned(t.Context(), "deadbeef")
	require.NoError(t, err)
	assert.True(t, banned)

	rec = env.do(t, "alice", http.MethodGet, "/admin/bans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	bans := body["bans"].([]any)
	require.Len(t, bans, 1)
	entry := bans[0].(map[string]any)
	assert.Equal(t, "deadbeef", entry["signature"])
	assert.Equal(t, "abuse", entry["reason"])

	rec = env.do(t, "alice", http.MethodDelete, "/admin/bans/deadbeef", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	banned, err = env.store.IsBanned(t.Context(), "deadbeef")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanValidation(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/admin/bans", map[string]any{"reason": "no sig"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/bans", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnbanUnknownSignature(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, "alice", http.MethodDelete, "/admin/bans/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, "alice", http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 7, body["requests_total"])
}

func TestAuditExportRecordsMutations(t *testing.T) {
	env := newAdminEnv(t)

	env.do(t, "alice", http.MethodPost, "/admin/bans", map[string]any{
		"signature": "sig1", "reason": "fraud",
	})
	env.do(t, "bob", http.MethodDelete, "/admin/bans/sig1", nil)

	rec := env.do(t, "carol", http.MethodGet, "/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var entries []store.AuditEntry
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var e store.AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, store.AuditBanToken, entries[0].Action)
	assert.Equal(t, "sig1", entries[0].TargetID)
	assert.Equal(t, "bob", entries[1].Actor)
	assert.Equal(t, store.AuditUnbanToken, entries[1].Action)
}

func TestMintToken(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/admin/tokens", mintRequest{
		Scope:      "api:read",
		TTLSeconds: 3600,
		MaxCalls:   100,
		BudgetSats: 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)

	encoded := body["token"].(string)
	tok, err := token.Decode(encoded)
	require.NoError(t, err)

	claims, err := token.VerifyScoped(tok, env.rootKey, time.Now(), "api:read")
	require.NoError(t, err)
	assert.Equal(t, "api:read", claims.Scope)
	assert.EqualValues(t, 100, claims.MaxCalls)
	assert.EqualValues(t, 500, claims.BudgetSats)

	// Administrative mints carry a zero payment hash.
	id, err := tok.Identifier()
	require.NoError(t, err)
	assert.Equal(t, token.ZeroHash, id.PaymentHash)

	assert.Equal(t, tok.SignatureHex(), body["signature"])
}

func TestMintTokenValidation(t *testing.T) {
	env := newAdminEnv(t)

	tests := []struct {
		name string
		req  mintRequest
	}{
		{"missing scope", mintRequest{TTLSeconds: 60}},
		{"zero ttl", mintRequest{Scope: "api:read"}},
		{"negative ttl", mintRequest{Scope: "api:read", TTLSeconds: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, "alice", http.MethodPost, "/admin/tokens", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestMintTokenAudited(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/admin/tokens", mintRequest{
		Scope: "api:*", TTLSeconds: 60,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)

	audit := env.do(t, "alice", http.MethodGet, "/admin/audit", nil)
	var e store.AuditEntry
	require.NoError(t, json.Unmarshal(audit.Body.Bytes(), &e))
	assert.Equal(t, store.AuditMintToken, e.Action)
	assert.Equal(t, body["signature"], e.TargetID)
	assert.Equal(t, "api:*", e.Detail["scope"])
}
