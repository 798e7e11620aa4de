// ABOUTME: Tests for the SQLite store: bans, audit export, invoices,
// ABOUTME: and counter-debit atomicity under concurrency

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SatGate-io/satgate-sub000/internal/meter"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBanLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	banned, err := s.IsBanned(ctx, "sig-1")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, s.Ban(ctx, "sig-1", "abuse"))

	banned, err = s.IsBanned(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, banned)

	entries, err := s.ListBans(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "abuse", entries[0].Reason)

	require.NoError(t, s.Unban(ctx, "sig-1"))
	banned, err = s.IsBanned(ctx, "sig-1")
	require.NoError(t, err)
	assert.False(t, banned)

	assert.ErrorIs(t, s.Unban(ctx, "sig-1"), ErrNotFound)
}

func TestBanTwiceUpdatesReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ban(ctx, "sig-1", "first"))
	require.NoError(t, s.Ban(ctx, "sig-1", "second"))

	entries, err := s.ListBans(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Reason)
}

func TestAuditAppendAndExport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		Actor:    "admin",
		Action:   AuditBanToken,
		TargetID: "sig-1",
		Detail:   map[string]any{"reason": "abuse"},
	}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		Actor:    "admin",
		Action:   AuditUnbanToken,
		TargetID: "sig-1",
	}))

	var buf bytes.Buffer
	require.NoError(t, s.ExportAudit(ctx, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first AuditEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, AuditBanToken, first.Action)
	assert.Equal(t, "abuse", first.Detail["reason"])
	assert.NotEmpty(t, first.ID)

	var second AuditEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, AuditUnbanToken, second.Action)
}

func TestInvoiceRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetInvoice(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordInvoice(ctx, &InvoiceRecord{
		PaymentHash: "deadbeef",
		TokenID:     "cafe",
		PriceSats:   21,
		Tier:        "basic",
	}))

	rec, err := s.GetInvoice(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, int64(21), rec.PriceSats)
	assert.Equal(t, "basic", rec.Tier)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestDebitCountsDownAndExhausts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(2); want >= 0; want-- {
		remaining, err := s.Debit(ctx, "calls:sig", 3, 1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, remaining)
	}

	_, err := s.Debit(ctx, "calls:sig", 3, 1, time.Hour)
	assert.ErrorIs(t, err, meter.ErrExhausted)
}

func TestDebitConcurrentAtomicity(t *testing.T) {
	s := newTestStore(t)

	const workers = 20
	const limit = 5

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Debit(context.Background(), "calls:sig", limit, 1, time.Hour)
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
}

func TestDebitExpiredCounterReinitializes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Debit(ctx, "calls:sig", 1, 1, -time.Second)
	require.NoError(t, err)

	// The previous record is already expired, so the counter resets.
	remaining, err := s.Debit(ctx, "calls:sig", 1, 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestMemoryBanList(t *testing.T) {
	m := NewMemoryBanList()
	ctx := context.Background()

	require.NoError(t, m.Ban(ctx, "sig", "why"))
	banned, err := m.IsBanned(ctx, "sig")
	require.NoError(t, err)
	assert.True(t, banned)

	entries, err := m.ListBans(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, m.Unban(ctx, "sig"))
	assert.ErrorIs(t, m.Unban(ctx, "sig"), ErrNotFound)
}
