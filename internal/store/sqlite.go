// ABOUTME: SQLite implementation of the stores using modernc.org/sqlite
// ABOUTME: WAL mode, schema bootstrap, and the atomic meter counter backend

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/SatGate-io/satgate-sub000/internal/meter"
)

// SQLiteStore implements BanStore, AuditStore, InvoiceStore and
// meter.Store on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created if needed; ":memory:" is supported for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bans (
			signature TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target_id TEXT NOT NULL,
			detail TEXT,
			timestamp DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS invoices (
			payment_hash TEXT PRIMARY KEY,
			token_id TEXT NOT NULL,
			price_sats INTEGER NOT NULL,
			tier TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meter_counters (
			key TEXT PRIMARY KEY,
			remaining INTEGER NOT NULL,
			expires_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ban adds a signature to the ban list. Banning an already banned
// signature updates the reason.
func (s *SQLiteStore) Ban(ctx context.Context, signature, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (signature, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET reason = excluded.reason`,
		signature, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("banning signature: %w", err)
	}
	return nil
}

// Unban removes a signature from the ban list.
func (s *SQLiteStore) Unban(ctx context.Context, signature string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bans WHERE signature = ?`, signature,
	)
	if err != nil {
		return fmt.Errorf("unbanning signature: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsBanned reports whether a signature is banned.
func (s *SQLiteStore) IsBanned(ctx context.Context, signature string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM bans WHERE signature = ?`, signature,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking ban: %w", err)
	}
	return true, nil
}

// ListBans returns all ban entries, newest first.
func (s *SQLiteStore) ListBans(ctx context.Context) ([]BanEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, reason, created_at FROM bans ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bans: %w", err)
	}
	defer rows.Close()

	var entries []BanEntry
	for rows.Next() {
		var e BanEntry
		if err := rows.Scan(&e.Signature, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendAudit appends an entry to the audit log, generating ID and
// timestamp when unset.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detail []byte
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, target_id, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, string(e.Action), e.TargetID, detail, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ExportAudit streams the audit log as line-delimited JSON in insertion
// order.
func (s *SQLiteStore) ExportAudit(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target_id, detail, timestamp
		FROM audit_log ORDER BY seq ASC`,
	)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		var e AuditEntry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Actor, (*string)(&e.Action),
			&e.TargetID, &detail, &e.Timestamp); err != nil {
			return err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return fmt.Errorf("decoding audit detail: %w", err)
			}
		}
		if err := enc.Encode(&e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecordInvoice stores an issued invoice.
func (s *SQLiteStore) RecordInvoice(ctx context.Context, rec *InvoiceRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (payment_hash, token_id, price_sats, tier, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.PaymentHash, rec.TokenID, rec.PriceSats, rec.Tier, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording invoice: %w", err)
	}
	return nil
}

// GetInvoice looks up an invoice by payment hash.
func (s *SQLiteStore) GetInvoice(ctx context.Context, paymentHash string) (*InvoiceRecord, error) {
	var rec InvoiceRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, token_id, price_sats, tier, created_at
		FROM invoices WHERE payment_hash = ?`, paymentHash,
	).Scan(&rec.PaymentHash, &rec.TokenID, &rec.PriceSats, &rec.Tier, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return &rec, nil
}

// Debit implements meter.Store as two single-statement writes, each
// atomic on its own: an initialize-if-absent-or-expired upsert, then a
// guarded decrement. SQLite serializes writers, so N concurrent debits
// against a limit of K grant exactly K.
func (s *SQLiteStore) Debit(ctx context.Context, key string, limit, cost int64, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meter_counters (key, remaining, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			remaining = excluded.remaining,
			expires_at = excluded.expires_at
		WHERE meter_counters.expires_at < ?`,
		key, limit, now.Add(ttl), now,
	)
	if err != nil {
		return 0, fmt.Errorf("initializing counter: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE meter_counters SET remaining = remaining - ?
		WHERE key = ? AND remaining >= ?`,
		cost, key, cost,
	)
	if err != nil {
		return 0, fmt.Errorf("debiting counter: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, meter.ErrExhausted
	}

	var remaining int64
	err = s.db.QueryRowContext(ctx,
		`SELECT remaining FROM meter_counters WHERE key = ?`, key,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return remaining, nil
}
