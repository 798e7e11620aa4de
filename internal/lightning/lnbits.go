// ABOUTME: LNBits REST backend for invoice creation and payment checks
// ABOUTME: Talks to /api/v1/payments with the wallet's invoice key

package lightning

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LNBitsBackend implements Backend against an LNBits instance.
type LNBitsBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewLNBitsBackend creates an LNBits backend. The API key is the
// wallet's invoice/read key; an admin key also works but grants more
// than satgate needs.
func NewLNBitsBackend(baseURL, apiKey string) *LNBitsBackend {
	return &LNBitsBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateInvoice requests a new invoice from LNBits.
func (b *LNBitsBackend) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	payload, err := json.Marshal(map[string]any{
		"out":    false,
		"amount": amountSats,
		"memo":   memo,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		PaymentHash    string `json:"payment_hash"`
		PaymentRequest string `json:"payment_request"`
		Bolt11         string `json:"bolt11"`
	}
	if err := b.do(ctx, http.MethodPost, "/api/v1/payments", payload, &result); err != nil {
		return nil, err
	}

	invoice := &Invoice{PaymentRequest: result.PaymentRequest}
	if invoice.PaymentRequest == "" {
		invoice.PaymentRequest = result.Bolt11
	}
	if invoice.PaymentRequest == "" {
		return nil, fmt.Errorf("%w: LNBits returned no payment request", ErrBackend)
	}

	hash, err := hex.DecodeString(result.PaymentHash)
	if err != nil || len(hash) != HashSize {
		return nil, fmt.Errorf("%w: bad payment hash %q", ErrBackend, result.PaymentHash)
	}
	copy(invoice.PaymentHash[:], hash)
	return invoice, nil
}

// CheckPayment reports whether the invoice settled.
func (b *LNBitsBackend) CheckPayment(ctx context.Context, paymentHash [HashSize]byte) (bool, error) {
	var result struct {
		Paid bool `json:"paid"`
	}
	path := "/api/v1/payments/" + hex.EncodeToString(paymentHash[:])
	if err := b.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return false, err
	}
	return result.Paid, nil
}

// GetStatus checks that the wallet is reachable.
func (b *LNBitsBackend) GetStatus(ctx context.Context) error {
	var result struct {
		Name string `json:"name"`
	}
	return b.do(ctx, http.MethodGet, "/api/v1/wallet", nil, &result)
}

func (b *LNBitsBackend) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	req.Header.Set("X-Api-Key", b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: LNBits %s %s: %s: %s",
			ErrBackend, method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding LNBits response: %v", ErrBackend, err)
	}
	return nil
}
