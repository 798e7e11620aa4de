// ABOUTME: Admin HTTP handlers for bans, stats, audit export, and mint
// ABOUTME: Mutations are attributed via auth.OperatorFrom and audited

package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/SatGate-io/satgate-sub000/internal/auth"
	"github.com/SatGate-io/satgate-sub000/internal/store"
	"github.com/SatGate-io/satgate-sub000/internal/token"
)

// StatsSource supplies the gateway-wide counters served by GET
// /admin/stats. Implemented by the gateway orchestrator.
type StatsSource interface {
	Stats() map[string]any
}

// Server holds the admin plane's dependencies.
type Server struct {
	bans     store.BanStore
	audit    store.AuditStore
	stats    StatsSource
	rootKey  []byte
	location string
	logger   *slog.Logger
}

// New creates an admin server. rootKey and location are used for
// administrative capability minting and must match the data plane's.
func New(bans store.BanStore, audit store.AuditStore, stats StatsSource, rootKey []byte, location string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bans:     bans,
		audit:    audit,
		stats:    stats,
		rootKey:  rootKey,
		location: location,
		logger:   logger.With("component", "admin"),
	}
}

// Routes registers the authenticated admin endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/bans", s.handleListBans)
	mux.HandleFunc("POST /admin/bans", s.handleBan)
	mux.HandleFunc("DELETE /admin/bans/{signature}", s.handleUnban)
	mux.HandleFunc("GET /admin/stats", s.handleStats)
	mux.HandleFunc("GET /admin/audit", s.handleAuditExport)
	mux.HandleFunc("POST /admin/tokens", s.handleMintToken)
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	entries, err := s.bans.ListBans(r.Context())
	if err != nil {
		s.internalError(w, "listing bans", err)
		return
	}

	type banJSON struct {
		Signature string    `json:"signature"`
		Reason    string    `json:"reason,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]banJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, banJSON{e.Signature, e.Reason, e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bans": out})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature string `json:"signature"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.Signature == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "signature required"})
		return
	}

	if err := s.bans.Ban(r.Context(), req.Signature, req.Reason); err != nil {
		s.internalError(w, "recording ban", err)
		return
	}
	s.appendAudit(r, store.AuditBanToken, req.Signature, map[string]any{
		"reason": req.Reason,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"banned":    true,
		"signature": req.Signature,
	})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	signature := r.PathValue("signature")

	if err := s.bans.Unban(r.Context(), signature); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "ban not found"})
			return
		}
		s.internalError(w, "removing ban", err)
		return
	}
	s.appendAudit(r, store.AuditUnbanToken, signature, nil)

	writeJSON(w, http.StatusOK, map[string]any{
		"banned":    false,
		"signature": signature,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

// handleAuditExport streams the audit log as NDJSON in insertion order.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.audit.ExportAudit(r.Context(), w); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		s.logger.Error("audit export failed", "error", err)
	}
}

// mintRequest is the body of POST /admin/tokens.
type mintRequest struct {
	Scope      string `json:"scope"`
	TTLSeconds int64  `json:"ttl_seconds"`
	MaxCalls   int64  `json:"max_calls"`
	BudgetSats int64  `json:"budget_sats"`
}

// handleMintToken mints a capability token without a payment
// challenge. The identifier carries a zero payment hash, which marks
// the token as administratively issued.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.Scope == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "scope required"})
		return
	}
	if req.TTLSeconds <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ttl_seconds must be positive"})
		return
	}

	tokenID, err := token.NewTokenID()
	if err != nil {
		s.internalError(w, "generating token id", err)
		return
	}
	mac, err := token.Mint(&token.Identifier{
		Version:     token.LatestVersion,
		PaymentHash: token.ZeroHash,
		TokenID:     tokenID,
	}, s.rootKey, s.location)
	if err != nil {
		s.internalError(w, "minting token", err)
		return
	}

	expiresAt := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	caveats := []token.Caveat{
		token.NewScopeCaveat(req.Scope),
		token.NewExpiresCaveat(expiresAt),
	}
	if req.MaxCalls > 0 {
		caveats = append(caveats, token.NewMaxCallsCaveat(req.MaxCalls))
	}
	if req.BudgetSats > 0 {
		caveats = append(caveats, token.NewBudgetCaveat(req.BudgetSats))
	}
	mac, err = mac.Attenuate(caveats...)
	if err != nil {
		s.internalError(w, "attenuating token", err)
		return
	}

	encoded, err := mac.Encode()
	if err != nil {
		s.internalError(w, "encoding token", err)
		return
	}

	s.appendAudit(r, store.AuditMintToken, mac.SignatureHex(), map[string]any{
		"scope":       req.Scope,
		"expires_at":  expiresAt.UTC().Format(time.RFC3339),
		"max_calls":   req.MaxCalls,
		"budget_sats": req.BudgetSats,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      encoded,
		"signature":  mac.SignatureHex(),
		"scope":      req.Scope,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// appendAudit records a mutation. Audit failures are logged but never
// fail the request that already took effect.
func (s *Server) appendAudit(r *http.Request, action store.AuditAction, targetID string, detail map[string]any) {
	actor := auth.OperatorFrom(r.Context())
	if actor == "" {
		actor = "unknown"
	}
	err := s.audit.AppendAudit(r.Context(), &store.AuditEntry{
		Actor:    actor,
		Action:   action,
		TargetID: targetID,
		Detail:   detail,
	})
	if err != nil {
		s.logger.Error("audit append failed",
			"action", action, "target", targetID, "error", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
