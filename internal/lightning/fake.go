// ABOUTME: Deterministic in-process backend for demos and tests
// ABOUTME: Invoices embed their own payment hash and settle instantly

package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeBackend is an in-process Backend whose invoices settle instantly.
// It exists so the full challenge/pay/retry flow can run without a node:
// the preimage for every invoice is retrievable via PreimageFor, which a
// demo client uses in place of actually paying.
type FakeBackend struct {
	mu        sync.Mutex
	preimages map[[HashSize]byte][32]byte
}

// NewFakeBackend creates an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		preimages: make(map[[HashSize]byte][32]byte),
	}
}

// CreateInvoice generates a random preimage and a synthetic payment
// request of the form "fakelnd<amount>n1<hex hash>".
func (b *FakeBackend) CreateInvoice(_ context.Context, amountSats int64, _ string) (*Invoice, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	hash := sha256.Sum256(preimage[:])

	b.mu.Lock()
	b.preimages[hash] = preimage
	b.mu.Unlock()

	return &Invoice{
		PaymentHash:    hash,
		PaymentRequest: fmt.Sprintf("fakelnd%dn1%s", amountSats, hex.EncodeToString(hash[:])),
	}, nil
}

// CheckPayment treats every known invoice as settled.
func (b *FakeBackend) CheckPayment(_ context.Context, paymentHash [HashSize]byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.preimages[paymentHash]
	return ok, nil
}

// GetStatus always reports healthy.
func (b *FakeBackend) GetStatus(context.Context) error {
	return nil
}

// PreimageFor returns the hex preimage for a previously issued invoice.
// Demo-only: a real holder learns the preimage by paying.
func (b *FakeBackend) PreimageFor(paymentHash [HashSize]byte) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	preimage, ok := b.preimages[paymentHash]
	if !ok {
		return "", false
	}
	return hex.EncodeToString(preimage[:]), true
}
