// ABOUTME: HTTP 402 challenge response: WWW-Authenticate header + JSON body
// ABOUTME: Body shape follows the published SatGate challenge contract

package l402

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ChallengeBody is the JSON body of a 402 response.
type ChallengeBody struct {
	Status       string       `json:"status"`
	Type         string       `json:"type"`
	Message      string       `json:"message"`
	Offer        Offer        `json:"offer"`
	Payment      Payment      `json:"payment"`
	Instructions Instructions `json:"instructions"`
}

// Offer describes what is being sold.
type Offer struct {
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
	PriceSats   int64  `json:"price_sats"`
	Description string `json:"description"`
}

// Payment carries the challenge material.
type Payment struct {
	Invoice   string `json:"invoice"`
	Macaroon  string `json:"macaroon"`
	ExpiresAt string `json:"expires_at"`
}

// Instructions spell out the pay-and-retry flow for humans and agents.
type Instructions struct {
	Step1        string `json:"step_1"`
	Step2        string `json:"step_2"`
	Step3        string `json:"step_3"`
	HeaderFormat string `json:"header_format"`
}

// WriteChallenge writes the 402 response for a challenge: the
// WWW-Authenticate header carrying macaroon and invoice, plus the JSON
// body with offer, payment, and instructions.
func WriteChallenge(w http.ResponseWriter, r *http.Request, ch *Challenge, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		"L402 macaroon=%q, invoice=%q", ch.Macaroon, ch.Invoice,
	))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)

	body := ChallengeBody{
		Status:  "payment_required",
		Type:    "l402",
		Message: "Payment required to access this endpoint.",
		Offer: Offer{
			Endpoint:    r.URL.Path,
			Method:      r.Method,
			PriceSats:   ch.PriceSats,
			Description: description,
		},
		Payment: Payment{
			Invoice:   ch.Invoice,
			Macaroon:  ch.Macaroon,
			ExpiresAt: ch.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Instructions: Instructions{
			Step1:        "Pay the invoice with any Lightning wallet.",
			Step2:        "Keep the payment preimage returned by your wallet.",
			Step3:        "Retry the request with the Authorization header below.",
			HeaderFormat: "Authorization: L402 <macaroon>:<preimage-hex>",
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
