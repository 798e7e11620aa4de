// Package token implements the capability-token engine for satgate.
//
// A capability token is a macaroon: an identifier, an ordered list of
// first-party caveats, and an HMAC-chained signature. The chain property
// (each signature is an HMAC of the previous one keyed over the next
// caveat) is what makes offline attenuation possible: any holder of a
// valid token can append caveats and produce a new, strictly narrower
// token without ever seeing the root key.
//
// # Caveat vocabulary
//
// The verifier is conservative: caveats are a closed vocabulary, and any
// unrecognized key fails verification. Recognized keys:
//
//   - expires       (epoch milliseconds)
//   - scope         (hierarchical, optional ":*" wildcard suffix)
//   - max_calls     (positive integer)
//   - budget_sats   (positive integer)
//   - delegated_by  (informational provenance, not enforced)
//   - delegated_from (informational provenance, not enforced)
//
// A token without a scope caveat never verifies. Scope matching is exact
// equality, or wildcard-prefix when the token scope ends in ":*".
//
// # Identifier layout
//
// The macaroon identifier is a versioned binary blob embedding a payment
// hash and a random token ID. Binding the payment hash into the
// identifier keeps proof-of-payment validation stateless: the server
// compares sha256(preimage) against the hash carried by the token itself.
// Administratively minted tokens carry an all-zero payment hash.
package token
