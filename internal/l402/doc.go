// Package l402 implements the payment challenge protocol: minting a
// capability token bound to an invoice (HTTP 402 challenge) and
// validating proof of payment.
//
// A challenge pairs a macaroon with a Lightning-style invoice. The
// invoice's payment hash is embedded in the macaroon identifier, so
// validation is stateless: presenting the token together with the
// preimage whose sha256 equals that hash proves the invoice was paid,
// with no per-token payment state on the server.
//
// The wire formats follow the L402 (formerly LSAT) convention:
//
//	WWW-Authenticate: L402 macaroon="<base64>", invoice="<bolt11>"
//	Authorization: L402 <base64-macaroon>:<hex-preimage>
//
// "LSAT" is accepted as an alias for "L402" in the Authorization
// header.
package l402
