// ABOUTME: LND REST backend using the node's invoice macaroon
// ABOUTME: POST /v1/invoices to create, GET /v1/invoice/{hash} to check

package lightning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// LNDBackend implements Backend against LND's REST API.
type LNDBackend struct {
	host        string
	macaroonHex string
	client      *http.Client
}

// NewLNDBackend creates an LND REST backend. The macaroon should be an
// invoice macaroon, hex encoded.
func NewLNDBackend(host, macaroonHex string, client *http.Client) *LNDBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &LNDBackend{
		host:        strings.TrimRight(host, "/"),
		macaroonHex: macaroonHex,
		client:      client,
	}
}

// CreateInvoice adds an invoice on the node.
func (b *LNDBackend) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	payload, err := json.Marshal(map[string]any{
		"value": strconv.FormatInt(amountSats, 10),
		"memo":  memo,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := b.do(ctx, http.MethodPost, "/v1/invoices", payload, &result); err != nil {
		return nil, err
	}
	if result.PaymentRequest == "" {
		return nil, fmt.Errorf("%w: LND returned no payment request", ErrBackend)
	}

	hash, err := decodeLNDHash(result.RHash)
	if err != nil {
		return nil, err
	}

	invoice := &Invoice{PaymentRequest: result.PaymentRequest}
	copy(invoice.PaymentHash[:], hash)
	return invoice, nil
}

// CheckPayment reports whether the invoice settled.
func (b *LNDBackend) CheckPayment(ctx context.Context, paymentHash [HashSize]byte) (bool, error) {
	var result struct {
		Settled bool   `json:"settled"`
		State   string `json:"state"`
	}
	path := "/v1/invoice/" + hex.EncodeToString(paymentHash[:])
	if err := b.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return false, err
	}
	return result.Settled || result.State == "SETTLED", nil
}

// GetStatus checks node reachability via GetInfo.
func (b *LNDBackend) GetStatus(ctx context.Context) error {
	var result struct {
		IdentityPubkey string `json:"identity_pubkey"`
	}
	return b.do(ctx, http.MethodGet, "/v1/getinfo", nil, &result)
}

func (b *LNDBackend) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.host+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", b.macaroonHex)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: LND %s %s: %s: %s",
			ErrBackend, method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding LND response: %v", ErrBackend, err)
	}
	return nil
}

// decodeLNDHash accepts LND's r_hash in either base64 (the REST default)
// or hex.
func decodeLNDHash(s string) ([]byte, error) {
	if h, err := base64.StdEncoding.DecodeString(s); err == nil && len(h) == HashSize {
		return h, nil
	}
	if h, err := hex.DecodeString(s); err == nil && len(h) == HashSize {
		return h, nil
	}
	return nil, fmt.Errorf("%w: bad r_hash %q", ErrBackend, s)
}
