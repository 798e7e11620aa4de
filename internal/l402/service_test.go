// ABOUTME: Tests for challenge creation, proof validation, and the 402 body
// ABOUTME: Uses the fake backend so preimages are known to the test

package l402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SatGate-io/satgate-sub000/internal/lightning"
	"github.com/SatGate-io/satgate-sub000/internal/token"
)

var testRootKey = []byte("l402-test-root-key-00000000000000")

func newTestService(t *testing.T) (*Service, *lightning.FakeBackend) {
	t.Helper()
	backend := lightning.NewFakeBackend()
	svc := NewService(testRootKey, "satgate-test", backend, nil, nil)
	return svc, backend
}

func testTier() Tier {
	return Tier{
		Name:      "basic",
		PriceSats: 21,
		Scope:     "api:data:*",
		TTL:       time.Hour,
		MaxCalls:  5,
	}
}

// payChallenge extracts the preimage a real client would learn by
// paying the invoice.
func payChallenge(t *testing.T, backend *lightning.FakeBackend, ch *Challenge) string {
	t.Helper()

	tok, err := token.Decode(ch.Macaroon)
	require.NoError(t, err)
	id, err := tok.Identifier()
	require.NoError(t, err)

	preimage, ok := backend.PreimageFor(id.PaymentHash)
	require.True(t, ok)
	return preimage
}

func TestChallengePayValidateFlow(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, testTier())
	require.NoError(t, err)
	assert.Equal(t, int64(21), ch.PriceSats)
	assert.NotEmpty(t, ch.Invoice)

	preimage := payChallenge(t, backend, ch)
	header := "L402 " + ch.Macaroon + ":" + preimage

	claims, err := svc.Validate(ctx, header, "api:data:prices", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "api:data:*", claims.Scope)
	assert.Equal(t, int64(5), claims.MaxCalls)
}

func TestValidateLSATAlias(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, testTier())
	require.NoError(t, err)
	preimage := payChallenge(t, backend, ch)

	_, err = svc.Validate(ctx, "LSAT "+ch.Macaroon+":"+preimage, "api:data:prices", time.Now())
	assert.NoError(t, err)
}

func TestValidateWrongPreimage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, testTier())
	require.NoError(t, err)

	wrong := strings.Repeat("ab", 32)
	_, err = svc.Validate(ctx, "L402 "+ch.Macaroon+":"+wrong, "api:data:prices", time.Now())
	assert.ErrorIs(t, err, ErrPaymentProof)
}

func TestValidateOutOfScope(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, testTier())
	require.NoError(t, err)
	preimage := payChallenge(t, backend, ch)

	_, err = svc.Validate(ctx, "L402 "+ch.Macaroon+":"+preimage, "api:admin:mint", time.Now())
	assert.ErrorIs(t, err, token.ErrScopeViolation)
}

func TestValidateExpiredChallenge(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()

	tier := testTier()
	tier.TTL = time.Minute
	ch, err := svc.CreateChallenge(ctx, tier)
	require.NoError(t, err)
	preimage := payChallenge(t, backend, ch)

	_, err = svc.Validate(ctx, "L402 "+ch.Macaroon+":"+preimage,
		"api:data:prices", time.Now().Add(2*time.Minute))
	assert.ErrorIs(t, err, token.ErrCaveatExpired)
}

func TestCreateChallengeBackendFailure(t *testing.T) {
	svc := NewService(testRootKey, "satgate-test", failingBackend{}, nil, nil)

	_, err := svc.CreateChallenge(context.Background(), testTier())
	assert.ErrorIs(t, err, lightning.ErrBackend)
}

type failingBackend struct{}

func (failingBackend) CreateInvoice(context.Context, int64, string) (*lightning.Invoice, error) {
	return nil, errors.Join(lightning.ErrBackend, errors.New("node unreachable"))
}

func (failingBackend) CheckPayment(context.Context, [lightning.HashSize]byte) (bool, error) {
	return false, lightning.ErrBackend
}

func (failingBackend) GetStatus(context.Context) error { return lightning.ErrBackend }

func TestParseAuthorization(t *testing.T) {
	preimage := strings.Repeat("00", 32)

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"empty", "", ErrNoCredentials},
		{"wrong scheme", "Bearer abc", ErrNoCredentials},
		{"no separator", "L402 onlymacaroon", ErrBadCredentials},
		{"short preimage", "L402 mac:abcd", ErrBadCredentials},
		{"preimage not hex", "L402 mac:" + strings.Repeat("zz", 32), ErrBadCredentials},
		{"valid", "L402 mac:" + preimage, nil},
		{"valid lsat", "LSAT mac:" + preimage, nil},
		{"valid lowercase scheme", "l402 mac:" + preimage, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := ParseAuthorization(tt.header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "mac", creds.MacaroonB64)
		})
	}
}

func TestWriteChallenge(t *testing.T) {
	ch := &Challenge{
		Macaroon:  "bWFjYXJvb24=",
		Invoice:   "lnbc210n1invoice",
		PriceSats: 21,
		ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	r := httptest.NewRequest("GET", "/api/data/prices", nil)
	w := httptest.NewRecorder()
	WriteChallenge(w, r, ch, "market data access")

	assert.Equal(t, 402, w.Code)
	auth := w.Header().Get("WWW-Authenticate")
	assert.Contains(t, auth, `L402 macaroon="bWFjYXJvb24="`)
	assert.Contains(t, auth, `invoice="lnbc210n1invoice"`)

	var body ChallengeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payment_required", body.Status)
	assert.Equal(t, "l402", body.Type)
	assert.Equal(t, "/api/data/prices", body.Offer.Endpoint)
	assert.Equal(t, "GET", body.Offer.Method)
	assert.Equal(t, int64(21), body.Offer.PriceSats)
	assert.Equal(t, "2026-01-02T03:04:05Z", body.Payment.ExpiresAt)
	assert.Contains(t, body.Instructions.HeaderFormat, "L402 <macaroon>:<preimage-hex>")
}

func TestChallengeInvoiceHashMatchesIdentifier(t *testing.T) {
	svc, backend := newTestService(t)

	ch, err := svc.CreateChallenge(context.Background(), testTier())
	require.NoError(t, err)

	tok, err := token.Decode(ch.Macaroon)
	require.NoError(t, err)
	id, err := tok.Identifier()
	require.NoError(t, err)

	// The invoice string of the fake backend embeds the hash.
	assert.Contains(t, ch.Invoice, hex.EncodeToString(id.PaymentHash[:]))
	_ = backend
}
