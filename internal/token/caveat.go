// ABOUTME: Caveat encoding, parsing, and the closed caveat vocabulary
// ABOUTME: Includes the scope grammar (exact match or ":*" wildcard suffix)

package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Caveat keys recognized by the verifier. Anything else fails closed.
const (
	CaveatExpires       = "expires"
	CaveatScope         = "scope"
	CaveatMaxCalls      = "max_calls"
	CaveatBudgetSats    = "budget_sats"
	CaveatDelegatedBy   = "delegated_by"
	CaveatDelegatedFrom = "delegated_from"
)

// Caveat errors.
var (
	ErrCaveatUnknown   = errors.New("unknown caveat key")
	ErrCaveatMalformed = errors.New("malformed caveat")
	ErrCaveatExpired   = errors.New("token expired")
	ErrScopeViolation  = errors.New("scope violation")
	ErrScopeMissing    = errors.New("token declares no scope")
)

// knownCaveatKeys is the closed vocabulary.
var knownCaveatKeys = map[string]bool{
	CaveatExpires:       true,
	CaveatScope:         true,
	CaveatMaxCalls:      true,
	CaveatBudgetSats:    true,
	CaveatDelegatedBy:   true,
	CaveatDelegatedFrom: true,
}

// Caveat is a single "key = value" constraint embedded in a token.
type Caveat struct {
	Key   string
	Value string
}

// String encodes the caveat in its on-token form.
func (c Caveat) String() string {
	return fmt.Sprintf("%s = %s", c.Key, c.Value)
}

// ParseCaveat decodes a raw caveat string. Parsing is tolerant of
// whitespace around the first "=" but the key must be non-empty.
func ParseCaveat(raw string) (Caveat, error) {
	key, value, found := strings.Cut(raw, "=")
	if !found {
		return Caveat{}, fmt.Errorf("%w: %q", ErrCaveatMalformed, raw)
	}
	c := Caveat{
		Key:   strings.TrimSpace(key),
		Value: strings.TrimSpace(value),
	}
	if c.Key == "" {
		return Caveat{}, fmt.Errorf("%w: %q", ErrCaveatMalformed, raw)
	}
	return c, nil
}

// NewExpiresCaveat builds an expires caveat from an absolute time.
func NewExpiresCaveat(at time.Time) Caveat {
	return Caveat{Key: CaveatExpires, Value: strconv.FormatInt(at.UnixMilli(), 10)}
}

// NewScopeCaveat builds a scope caveat.
func NewScopeCaveat(scope string) Caveat {
	return Caveat{Key: CaveatScope, Value: scope}
}

// NewMaxCallsCaveat builds a max_calls caveat.
func NewMaxCallsCaveat(n int64) Caveat {
	return Caveat{Key: CaveatMaxCalls, Value: strconv.FormatInt(n, 10)}
}

// NewBudgetCaveat builds a budget_sats caveat.
func NewBudgetCaveat(sats int64) Caveat {
	return Caveat{Key: CaveatBudgetSats, Value: strconv.FormatInt(sats, 10)}
}

// NewDelegatedByCaveat records who attenuated the token. Informational.
func NewDelegatedByCaveat(who string) Caveat {
	return Caveat{Key: CaveatDelegatedBy, Value: who}
}

// ScopeSatisfies reports whether a token scope covers a required scope.
// The grammar is deliberately small: exact string equality, or a token
// scope ending in ":*" prefix-matches the required scope. There are no
// other special cases.
func ScopeSatisfies(tokenScope, requiredScope string) bool {
	if tokenScope == requiredScope {
		return true
	}
	if prefix, ok := strings.CutSuffix(tokenScope, ":*"); ok {
		return strings.HasPrefix(requiredScope, prefix+":")
	}
	return false
}
