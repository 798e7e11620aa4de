// ABOUTME: Metering engine applying call and budget limits to a signature
// ABOUTME: Counters live behind the Store interface (memory or SQLite)

package meter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by Store.Debit when the counter cannot cover
// the requested cost. Callers treat it as control flow, not failure.
var ErrExhausted = errors.New("quota exhausted")

// Store is the atomic counter store. Debit initializes the counter to
// limit if the key has never been seen (or its record expired), then
// atomically decrements by cost if and only if the remainder stays
// non-negative. It returns the remaining quota after the debit, or
// ErrExhausted without consuming anything.
type Store interface {
	Debit(ctx context.Context, key string, limit, cost int64, ttl time.Duration) (int64, error)

	// Close releases store resources.
	Close() error
}

// Limits are the quota caveats attached to a token. Zero means the
// dimension is unmetered.
type Limits struct {
	MaxCalls   int64
	BudgetSats int64
}

// Reason identifies which quota ran out.
type Reason string

const (
	ReasonCalls  Reason = "calls"
	ReasonBudget Reason = "budget"
)

// Result reports one metering check. Remaining values are -1 when the
// corresponding dimension is unmetered.
type Result struct {
	Exhausted       bool
	Reason          Reason
	CallsRemaining  int64
	BudgetRemaining int64
}

// Engine applies token limits against the counter store.
type Engine struct {
	store Store
	ttl   time.Duration
}

// NewEngine creates a metering engine. The TTL bounds how long a
// signature's counters survive without the token itself expiring first.
func NewEngine(store Store, ttl time.Duration) *Engine {
	return &Engine{store: store, ttl: ttl}
}

// Check debits one call and cost sats from the signature's counters.
// Both dimensions must pass; the call counter is debited first, and a
// budget exhaustion refunds nothing (the call was attempted). An
// exhausted result carries a nil error.
func (e *Engine) Check(ctx context.Context, signature string, limits Limits, cost int64) (Result, error) {
	res := Result{CallsRemaining: -1, BudgetRemaining: -1}

	if limits.MaxCalls > 0 {
		remaining, err := e.store.Debit(ctx, "calls:"+signature, limits.MaxCalls, 1, e.ttl)
		if errors.Is(err, ErrExhausted) {
			res.Exhausted = true
			res.Reason = ReasonCalls
			res.CallsRemaining = 0
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("debiting call counter: %w", err)
		}
		res.CallsRemaining = remaining
	}

	if limits.BudgetSats > 0 && cost > 0 {
		remaining, err := e.store.Debit(ctx, "sats:"+signature, limits.BudgetSats, cost, e.ttl)
		if errors.Is(err, ErrExhausted) {
			res.Exhausted = true
			res.Reason = ReasonBudget
			res.BudgetRemaining = 0
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("debiting budget counter: %w", err)
		}
		res.BudgetRemaining = remaining
	}

	return res, nil
}
