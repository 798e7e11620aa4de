// ABOUTME: Backend interface and shared invoice types for payment backends
// ABOUTME: All implementations carry explicit timeouts and fail hard

package lightning

import (
	"context"
	"errors"
)

// HashSize is the byte length of a payment hash.
const HashSize = 32

// ErrBackend wraps any failure talking to the payment backend. Invoice
// creation failures surface to callers as internal errors, never as an
// implicit allow.
var ErrBackend = errors.New("lightning backend error")

// Invoice is a payment request issued by a backend.
type Invoice struct {
	// PaymentHash is sha256 of the (secret) preimage.
	PaymentHash [HashSize]byte

	// PaymentRequest is the BOLT11-style invoice string handed to the
	// client inside the 402 challenge.
	PaymentRequest string
}

// Backend is the capability set a payment backend must provide.
type Backend interface {
	// CreateInvoice requests a new invoice for the given amount.
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)

	// CheckPayment reports whether the invoice with the given payment
	// hash has settled.
	CheckPayment(ctx context.Context, paymentHash [HashSize]byte) (bool, error)

	// GetStatus returns nil when the backend is reachable and usable.
	GetStatus(ctx context.Context) error
}
