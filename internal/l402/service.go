// ABOUTME: Payment challenge service: mint token + invoice, validate proof
// ABOUTME: Payment binding is stateless via the token identifier's hash

package l402

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SatGate-io/satgate-sub000/internal/lightning"
	"github.com/SatGate-io/satgate-sub000/internal/store"
	"github.com/SatGate-io/satgate-sub000/internal/token"
)

// ErrPaymentProof is returned when the presented preimage does not hash
// to the payment hash the token was issued against.
var ErrPaymentProof = errors.New("invalid payment proof")

// Tier is the resolved pricing/scope bundle a challenge charges.
type Tier struct {
	Name        string
	PriceSats   int64
	Scope       string
	TTL         time.Duration
	MaxCalls    int64
	BudgetSats  int64
	Description string
}

// Challenge is a minted token paired with the invoice that pays for it.
type Challenge struct {
	// Macaroon is the base64-encoded token.
	Macaroon string

	// Invoice is the payment request the client must settle.
	Invoice string

	PriceSats int64
	ExpiresAt time.Time
}

// Service mints payment challenges and validates proof of payment.
type Service struct {
	rootKey  []byte
	location string
	backend  lightning.Backend
	invoices store.InvoiceStore
	logger   *slog.Logger
}

// NewService creates the challenge service. The invoice store is
// optional; when present, every issued invoice is recorded for audit.
func NewService(rootKey []byte, location string, backend lightning.Backend,
	invoices store.InvoiceStore, logger *slog.Logger) *Service {

	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rootKey:  rootKey,
		location: location,
		backend:  backend,
		invoices: invoices,
		logger:   logger.With("component", "l402"),
	}
}

// CreateChallenge requests an invoice for the tier's price and mints a
// token whose identifier embeds the invoice's payment hash, attenuated
// with the tier's caveats. A backend failure is a hard error; the
// caller must answer 500, never allow.
func (s *Service) CreateChallenge(ctx context.Context, tier Tier) (*Challenge, error) {
	invoice, err := s.backend.CreateInvoice(
		ctx, tier.PriceSats,
		fmt.Sprintf("satgate %s access (%s)", tier.Scope, tier.Name),
	)
	if err != nil {
		return nil, fmt.Errorf("creating invoice: %w", err)
	}

	tokenID, err := token.NewTokenID()
	if err != nil {
		return nil, err
	}

	tok, err := token.Mint(&token.Identifier{
		PaymentHash: invoice.PaymentHash,
		TokenID:     tokenID,
	}, s.rootKey, s.location)
	if err != nil {
		return nil, fmt.Errorf("minting token: %w", err)
	}

	expiresAt := time.Now().Add(tier.TTL)
	caveats := []token.Caveat{
		token.NewScopeCaveat(tier.Scope),
		token.NewExpiresCaveat(expiresAt),
	}
	if tier.MaxCalls > 0 {
		caveats = append(caveats, token.NewMaxCallsCaveat(tier.MaxCalls))
	}
	if tier.BudgetSats > 0 {
		caveats = append(caveats, token.NewBudgetCaveat(tier.BudgetSats))
	}
	tok, err = tok.Attenuate(caveats...)
	if err != nil {
		return nil, err
	}

	encoded, err := tok.Encode()
	if err != nil {
		return nil, err
	}

	if s.invoices != nil {
		rec := &store.InvoiceRecord{
			PaymentHash: hex.EncodeToString(invoice.PaymentHash[:]),
			TokenID:     hex.EncodeToString(tokenID[:]),
			PriceSats:   tier.PriceSats,
			Tier:        tier.Name,
		}
		if err := s.invoices.RecordInvoice(ctx, rec); err != nil {
			// The challenge is still valid without the record; losing
			// audit data is worth a warning, not a failed challenge.
			s.logger.Warn("recording invoice failed", "error", err)
		}
	}

	s.logger.Info("challenge issued",
		"tier", tier.Name,
		"scope", tier.Scope,
		"price_sats", tier.PriceSats,
	)

	return &Challenge{
		Macaroon:  encoded,
		Invoice:   invoice.PaymentRequest,
		PriceSats: tier.PriceSats,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate checks an Authorization header: the macaroon must verify
// against the root key and satisfy requiredScope, and sha256(preimage)
// must equal the payment hash embedded in the macaroon identifier.
func (s *Service) Validate(ctx context.Context, authHeader, requiredScope string,
	now time.Time) (*token.Claims, error) {

	creds, err := ParseAuthorization(authHeader)
	if err != nil {
		return nil, err
	}

	tok, err := token.Decode(creds.MacaroonB64)
	if err != nil {
		return nil, err
	}

	claims, err := token.VerifyScoped(tok, s.rootKey, now, requiredScope)
	if err != nil {
		return nil, err
	}

	id, err := tok.Identifier()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrTokenFormat, err)
	}

	hash := sha256.Sum256(creds.Preimage[:])
	if subtle.ConstantTimeCompare(hash[:], id.PaymentHash[:]) != 1 {
		return nil, ErrPaymentProof
	}

	return claims, nil
}
