// ABOUTME: Policy dispatch: public, deny, l402, capability branches
// ABOUTME: Ban check after crypto success; unknown conditions fail closed

package route

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SatGate-io/satgate-sub000/internal/config"
	"github.com/SatGate-io/satgate-sub000/internal/l402"
	"github.com/SatGate-io/satgate-sub000/internal/meter"
	"github.com/SatGate-io/satgate-sub000/internal/store"
	"github.com/SatGate-io/satgate-sub000/internal/token"
)

// Machine-readable rejection reasons.
const (
	ReasonNoRoute        = "no_route"
	ReasonPolicyDeny     = "policy_deny"
	ReasonMissingToken   = "missing_token"
	ReasonTokenFormat    = "token_format"
	ReasonBadSignature   = "signature_invalid"
	ReasonExpired        = "token_expired"
	ReasonScopeViolation = "scope_violation"
	ReasonUnknownCaveat  = "caveat_unknown"
	ReasonTokenBanned    = "token_banned"
	ReasonExhausted      = "quota_exhausted"
	ReasonInternal       = "internal_error"
)

// Request is the part of an HTTP request the engine decides on.
type Request struct {
	Method        string
	Path          string
	Authorization string
}

// Decision is the outcome of policy dispatch. Exactly one of Allow,
// Challenge, or a deny status is meaningful: Allow true means proxy;
// Challenge non-nil means answer 402; otherwise Status/Reason describe
// the rejection.
type Decision struct {
	Allow     bool
	Status    int
	Reason    string
	Route     *config.Route
	Challenge *l402.Challenge

	// Signature is the hex signature of the validated token, when one
	// was presented. Callers use it as a stable per-client key.
	Signature string

	// ChallengeDescription goes into the 402 body's offer section.
	ChallengeDescription string

	// Headers are decision metadata attached to the response
	// (X-SatGate-* and remaining-quota headers).
	Headers map[string]string
}

// Engine dispatches route policies. All stores are injected; the
// engine itself holds no mutable request state.
type Engine struct {
	cfg     *config.Config
	rootKey []byte
	l402svc *l402.Service
	meterer *meter.Engine
	bans    store.BanStore
	logger  *slog.Logger
}

// NewEngine builds a route engine. l402svc may be nil when no L402
// routes are configured; rootKey must be set when any token-gated
// route exists.
func NewEngine(cfg *config.Config, rootKey []byte, l402svc *l402.Service,
	meterer *meter.Engine, bans store.BanStore, logger *slog.Logger) *Engine {

	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		rootKey: rootKey,
		l402svc: l402svc,
		meterer: meterer,
		bans:    bans,
		logger:  logger.With("component", "route"),
	}
}

// Decide matches the request to a route and dispatches its policy.
// Internal faults yield a 500 decision, never an allow.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	matched := Match(e.cfg.Routes, req.Method, req.Path)
	if matched == nil {
		return Decision{
			Status: http.StatusForbidden,
			Reason: ReasonNoRoute,
		}
	}

	switch matched.Policy.Type {
	case config.PolicyPublic:
		return Decision{
			Allow:   true,
			Status:  http.StatusOK,
			Route:   matched,
			Headers: e.decisionHeaders(matched, "", nil),
		}

	case config.PolicyDeny:
		status := matched.Policy.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		return Decision{
			Status: status,
			Reason: ReasonPolicyDeny,
			Route:  matched,
		}

	case config.PolicyL402:
		return e.decideL402(ctx, matched, req)

	case config.PolicyCapability:
		return e.decideCapability(ctx, matched, req)

	default:
		// Config validation rejects unknown policies; if one shows up
		// anyway, refuse it.
		e.logger.Error("unknown policy type", "route", matched.Name,
			"type", matched.Policy.Type)
		return Decision{
			Status: http.StatusInternalServerError,
			Reason: ReasonInternal,
			Route:  matched,
		}
	}
}

// decideL402 handles payment-gated routes. Every rejection short of an
// internal fault is recovered by issuing a fresh challenge: the
// user-visible effect is "pay again", not an opaque error.
func (e *Engine) decideL402(ctx context.Context, matched *config.Route, req Request) Decision {
	tier, err := e.cfg.ResolveTier(&matched.Policy)
	if err != nil {
		return e.internalFault(matched, "resolving tier", err)
	}

	claims, err := e.l402svc.Validate(ctx, req.Authorization, tier.Scope, time.Now())
	if err != nil {
		reason := classifyTokenError(err)
		e.logger.Debug("l402 validation failed, re-challenging",
			"route", matched.Name, "reason", reason)
		return e.challenge(ctx, matched, tier)
	}

	banned, err := e.bans.IsBanned(ctx, claims.Signature)
	if err != nil {
		return e.internalFault(matched, "checking ban list", err)
	}
	if banned {
		e.logger.Info("banned token re-challenged",
			"route", matched.Name, "signature", claims.Signature)
		return e.challenge(ctx, matched, tier)
	}

	result, err := e.meterer.Check(ctx, claims.Signature, meter.Limits{
		MaxCalls:   claims.MaxCalls,
		BudgetSats: claims.BudgetSats,
	}, tier.PriceSats)
	if err != nil {
		return e.internalFault(matched, "metering", err)
	}
	if result.Exhausted {
		return e.challenge(ctx, matched, tier)
	}

	return Decision{
		Allow:     true,
		Status:    http.StatusOK,
		Route:     matched,
		Signature: claims.Signature,
		Headers:   e.decisionHeaders(matched, claims.Scope, &result),
	}
}

// decideCapability handles capability-gated routes. There is no payment
// to retry with, so failures surface directly as 401/403/429.
func (e *Engine) decideCapability(ctx context.Context, matched *config.Route, req Request) Decision {
	encoded, ok := capabilityToken(req.Authorization)
	if !ok {
		return Decision{
			Status: http.StatusUnauthorized,
			Reason: ReasonMissingToken,
			Route:  matched,
		}
	}

	tok, err := token.Decode(encoded)
	if err != nil {
		return Decision{
			Status: http.StatusForbidden,
			Reason: ReasonTokenFormat,
			Route:  matched,
		}
	}

	claims, err := token.VerifyScoped(tok, e.rootKey, time.Now(), matched.Policy.Scope)
	if err != nil {
		return Decision{
			Status: http.StatusForbidden,
			Reason: classifyTokenError(err),
			Route:  matched,
		}
	}

	banned, err := e.bans.IsBanned(ctx, claims.Signature)
	if err != nil {
		return e.internalFault(matched, "checking ban list", err)
	}
	if banned {
		return Decision{
			Status: http.StatusForbidden,
			Reason: ReasonTokenBanned,
			Route:  matched,
		}
	}

	limits := meter.Limits{MaxCalls: claims.MaxCalls}
	if matched.Policy.MaxCalls > 0 &&
		(limits.MaxCalls == 0 || matched.Policy.MaxCalls < limits.MaxCalls) {
		limits.MaxCalls = matched.Policy.MaxCalls
	}

	result, err := e.meterer.Check(ctx, claims.Signature, limits, 0)
	if err != nil {
		return e.internalFault(matched, "metering", err)
	}
	if result.Exhausted {
		return Decision{
			Status: http.StatusTooManyRequests,
			Reason: ReasonExhausted,
			Route:  matched,
			Headers: map[string]string{
				"X-Calls-Remaining": "0",
			},
		}
	}

	return Decision{
		Allow:     true,
		Status:    http.StatusOK,
		Route:     matched,
		Signature: claims.Signature,
		Headers:   e.decisionHeaders(matched, claims.Scope, &result),
	}
}

// challenge mints a fresh 402 challenge for the route's tier. A backend
// failure here is the one L402 condition that does not re-challenge: it
// becomes a 500, because "allow" and "pay nothing" are both wrong.
func (e *Engine) challenge(ctx context.Context, matched *config.Route, tier config.TierConfig) Decision {
	ch, err := e.l402svc.CreateChallenge(ctx, l402.Tier{
		Name:        matched.Policy.Tier,
		PriceSats:   tier.PriceSats,
		Scope:       tier.Scope,
		TTL:         time.Duration(tier.TTLSeconds) * time.Second,
		MaxCalls:    tier.MaxCalls,
		BudgetSats:  tier.BudgetSats,
		Description: tier.Description,
	})
	if err != nil {
		return e.internalFault(matched, "creating challenge", err)
	}

	return Decision{
		Status:               http.StatusPaymentRequired,
		Reason:               "payment_required",
		Route:                matched,
		Challenge:            ch,
		ChallengeDescription: tier.Description,
	}
}

func (e *Engine) internalFault(matched *config.Route, op string, err error) Decision {
	e.logger.Error("decision fault", "route", matched.Name, "op", op, "error", err)
	return Decision{
		Status: http.StatusInternalServerError,
		Reason: ReasonInternal,
		Route:  matched,
	}
}

func (e *Engine) decisionHeaders(matched *config.Route, scope string, result *meter.Result) map[string]string {
	headers := map[string]string{
		"X-SatGate-Route":  matched.Name,
		"X-SatGate-Policy": string(matched.Policy.Type),
	}
	if matched.Policy.Tier != "" {
		headers["X-SatGate-Tier"] = matched.Policy.Tier
	}
	if scope != "" {
		headers["X-SatGate-Scope"] = scope
	}
	if result != nil {
		if result.CallsRemaining >= 0 {
			headers["X-Calls-Remaining"] = strconv.FormatInt(result.CallsRemaining, 10)
		}
		if result.BudgetRemaining >= 0 {
			headers["X-Budget-Remaining"] = strconv.FormatInt(result.BudgetRemaining, 10)
		}
	}
	return headers
}

// capabilityToken extracts the token from "Capability <t>" or
// "Bearer <t>" Authorization headers.
func capabilityToken(header string) (string, bool) {
	scheme, rest, found := strings.Cut(header, " ")
	if !found {
		return "", false
	}
	switch strings.ToLower(scheme) {
	case "capability", "bearer":
	default:
		return "", false
	}
	tok := strings.TrimSpace(rest)
	return tok, tok != ""
}

// classifyTokenError maps token verification errors to machine-readable
// reasons.
func classifyTokenError(err error) string {
	switch {
	case errors.Is(err, token.ErrCaveatExpired):
		return ReasonExpired
	case errors.Is(err, token.ErrScopeViolation), errors.Is(err, token.ErrScopeMissing):
		return ReasonScopeViolation
	case errors.Is(err, token.ErrCaveatUnknown), errors.Is(err, token.ErrCaveatMalformed):
		return ReasonUnknownCaveat
	case errors.Is(err, token.ErrTokenFormat):
		return ReasonTokenFormat
	case errors.Is(err, token.ErrSignatureInvalid):
		return ReasonBadSignature
	case errors.Is(err, l402.ErrNoCredentials):
		return ReasonMissingToken
	case errors.Is(err, l402.ErrBadCredentials), errors.Is(err, l402.ErrPaymentProof):
		return ReasonTokenFormat
	default:
		return ReasonInternal
	}
}
