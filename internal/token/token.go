// ABOUTME: Mint, attenuate, and verify capability tokens (macaroons)
// ABOUTME: Wraps gopkg.in/macaroon.v2 for the HMAC-chained signature

package token

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	macaroon "gopkg.in/macaroon.v2"
)

// Token errors.
var (
	ErrTokenFormat      = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("invalid token signature")
)

// Token is an immutable capability token. Attenuation returns a new
// Token; the receiver is never mutated.
type Token struct {
	mac *macaroon.Macaroon
}

// Mint creates a token with zero caveats for the given identifier, bound
// to the root key. Location is informational and names the mint.
func Mint(id *Identifier, rootKey []byte, location string) (*Token, error) {
	if len(rootKey) == 0 {
		return nil, errors.New("empty root key")
	}

	idBytes, err := EncodeIdentifier(id)
	if err != nil {
		return nil, fmt.Errorf("encoding identifier: %w", err)
	}

	mac, err := macaroon.New(rootKey, idBytes, location, macaroon.LatestVersion)
	if err != nil {
		return nil, fmt.Errorf("minting macaroon: %w", err)
	}
	return &Token{mac: mac}, nil
}

// Attenuate returns a copy of the token with the given caveats appended.
// Appending only needs the token's own signature state, never the root
// key, so any holder can delegate a narrower token offline.
func (t *Token) Attenuate(caveats ...Caveat) (*Token, error) {
	child := t.mac.Clone()
	for _, c := range caveats {
		if err := child.AddFirstPartyCaveat([]byte(c.String())); err != nil {
			return nil, fmt.Errorf("adding caveat %q: %w", c.Key, err)
		}
	}
	return &Token{mac: child}, nil
}

// Identifier decodes the token's embedded identifier.
func (t *Token) Identifier() (*Identifier, error) {
	return DecodeIdentifier(t.mac.Id())
}

// Location returns the signing-location tag.
func (t *Token) Location() string {
	return t.mac.Location()
}

// Caveats returns the token's caveats in order.
func (t *Token) Caveats() ([]Caveat, error) {
	raw := t.mac.Caveats()
	caveats := make([]Caveat, 0, len(raw))
	for _, c := range raw {
		caveat, err := ParseCaveat(string(c.Id))
		if err != nil {
			return nil, err
		}
		caveats = append(caveats, caveat)
	}
	return caveats, nil
}

// SignatureHex returns the token's final signature as lowercase hex.
// This is the key used for metering and revocation.
func (t *Token) SignatureHex() string {
	return hex.EncodeToString(t.mac.Signature())
}

// Encode serializes the token to its wire form: standard base64 of the
// macaroon's binary encoding.
func (t *Token) Encode() (string, error) {
	b, err := t.mac.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshaling token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode parses a token from its base64 wire form.
func Decode(encoded string) (*Token, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFormat, err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFormat, err)
	}
	return &Token{mac: mac}, nil
}

// Claims is the result of successful verification: the effective
// constraints a token grants, after every caveat checked out.
type Claims struct {
	// Scope is the token's effective scope (the last scope caveat wins;
	// attenuation can only narrow, which the checker enforces).
	Scope string

	// ExpiresAt is the effective expiry, zero if none was set.
	ExpiresAt time.Time

	// MaxCalls is the call quota, 0 when unmetered.
	MaxCalls int64

	// BudgetSats is the spend quota, 0 when unmetered.
	BudgetSats int64

	// DelegatedBy records provenance caveats in order. Informational.
	DelegatedBy []string

	// Signature is the token's hex signature, the metering and
	// revocation key.
	Signature string
}

// CaveatChecker decides whether a single caveat is satisfied in the
// context of the current request. Returning an error rejects the token.
type CaveatChecker func(c Caveat) error

// Verify recomputes the token's HMAC chain from the root key and checks
// every caveat. Verification fails closed: a bad signature, an unknown
// caveat key, a rejected caveat, or a missing scope caveat all reject
// the token. The optional checker runs after the built-in vocabulary
// checks and can impose request-context constraints (required scope,
// current time).
func Verify(t *Token, rootKey []byte, now time.Time, check CaveatChecker) (*Claims, error) {
	claims := &Claims{Signature: t.SignatureHex()}

	verifyCaveat := func(raw string) error {
		c, err := ParseCaveat(raw)
		if err != nil {
			return err
		}
		if !knownCaveatKeys[c.Key] {
			return fmt.Errorf("%w: %q", ErrCaveatUnknown, c.Key)
		}

		switch c.Key {
		case CaveatExpires:
			millis, err := strconv.ParseInt(c.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: expires %q", ErrCaveatMalformed, c.Value)
			}
			expiry := time.UnixMilli(millis)
			if !now.Before(expiry) {
				return fmt.Errorf("%w: at %d", ErrCaveatExpired, millis)
			}
			// Attenuation can only tighten the deadline.
			if claims.ExpiresAt.IsZero() || expiry.Before(claims.ExpiresAt) {
				claims.ExpiresAt = expiry
			}

		case CaveatScope:
			// A later scope caveat must be covered by the earlier
			// one, otherwise delegation would widen authority.
			if claims.Scope != "" && !ScopeSatisfies(claims.Scope, c.Value) {
				return fmt.Errorf("%w: %q does not narrow %q",
					ErrScopeViolation, c.Value, claims.Scope)
			}
			claims.Scope = c.Value

		case CaveatMaxCalls:
			n, err := strconv.ParseInt(c.Value, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: max_calls %q", ErrCaveatMalformed, c.Value)
			}
			if claims.MaxCalls == 0 || n < claims.MaxCalls {
				claims.MaxCalls = n
			}

		case CaveatBudgetSats:
			n, err := strconv.ParseInt(c.Value, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: budget_sats %q", ErrCaveatMalformed, c.Value)
			}
			if claims.BudgetSats == 0 || n < claims.BudgetSats {
				claims.BudgetSats = n
			}

		case CaveatDelegatedBy, CaveatDelegatedFrom:
			claims.DelegatedBy = append(claims.DelegatedBy, c.Value)
		}

		if check != nil {
			return check(c)
		}
		return nil
	}

	if err := t.mac.Verify(rootKey, verifyCaveat, nil); err != nil {
		// The library reports caveat rejections and signature
		// mismatches through the same error path; preserve our own
		// sentinels and classify the rest as signature failures.
		if errors.Is(err, ErrCaveatUnknown) || errors.Is(err, ErrCaveatExpired) ||
			errors.Is(err, ErrScopeViolation) || errors.Is(err, ErrCaveatMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if claims.Scope == "" {
		return nil, ErrScopeMissing
	}
	return claims, nil
}

// VerifyScoped is Verify with the common request-side check applied: the
// token's effective scope must satisfy requiredScope.
func VerifyScoped(t *Token, rootKey []byte, now time.Time, requiredScope string) (*Claims, error) {
	claims, err := Verify(t, rootKey, now, nil)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !ScopeSatisfies(claims.Scope, requiredScope) {
		return nil, fmt.Errorf("%w: token scope %q does not cover %q",
			ErrScopeViolation, claims.Scope, requiredScope)
	}
	return claims, nil
}
