// ABOUTME: Store interfaces and entity types for bans, audit, invoices
// ABOUTME: Implemented by SQLiteStore; MemoryBanList covers tests

package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// BanEntry is one revoked token signature.
type BanEntry struct {
	Signature string
	Reason    string
	CreatedAt time.Time
}

// AuditAction classifies an audit log entry.
type AuditAction string

const (
	AuditBanToken       AuditAction = "ban_token"
	AuditUnbanToken     AuditAction = "unban_token"
	AuditMintToken      AuditAction = "mint_token"
	AuditIssueChallenge AuditAction = "issue_challenge"
	AuditBanRejection   AuditAction = "ban_rejection"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    AuditAction    `json:"action"`
	TargetID  string         `json:"target_id"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// InvoiceRecord tracks an invoice issued alongside a payment challenge.
// Proof-of-payment validation is stateless (the payment hash travels in
// the token identifier); these records exist for audit and stats only.
type InvoiceRecord struct {
	PaymentHash string // hex
	TokenID     string // hex
	PriceSats   int64
	Tier        string
	CreatedAt   time.Time
}

// BanStore is the revocation store consulted after cryptographic
// verification succeeds.
type BanStore interface {
	Ban(ctx context.Context, signature, reason string) error
	Unban(ctx context.Context, signature string) error
	IsBanned(ctx context.Context, signature string) (bool, error)
	ListBans(ctx context.Context) ([]BanEntry, error)
}

// AuditStore appends and exports audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error

	// ExportAudit writes entries as line-delimited JSON in insertion
	// order.
	ExportAudit(ctx context.Context, w io.Writer) error
}

// InvoiceStore records issued invoices.
type InvoiceStore interface {
	RecordInvoice(ctx context.Context, rec *InvoiceRecord) error
	GetInvoice(ctx context.Context, paymentHash string) (*InvoiceRecord, error)
}
