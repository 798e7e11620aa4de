// ABOUTME: Authorization header parsing for L402/LSAT credentials
// ABOUTME: Splits "<scheme> <macaroon>:<preimage>" with scheme aliasing

package l402

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Authorization header errors.
var (
	ErrNoCredentials  = errors.New("no L402 credentials in request")
	ErrBadCredentials = errors.New("malformed L402 credentials")
)

// preimageSize is the byte length of a payment preimage.
const preimageSize = 32

// Credentials are the parsed parts of an L402 Authorization header.
type Credentials struct {
	// MacaroonB64 is the base64 token exactly as presented.
	MacaroonB64 string

	// Preimage is the decoded 32-byte payment preimage.
	Preimage [preimageSize]byte
}

// ParseAuthorization parses an "L402 <mac>:<preimage>" header value.
// The legacy "LSAT" scheme is accepted as an alias. An empty header
// returns ErrNoCredentials so callers can distinguish "no token" from
// "bad token".
func ParseAuthorization(header string) (*Credentials, error) {
	if header == "" {
		return nil, ErrNoCredentials
	}

	scheme, rest, found := strings.Cut(header, " ")
	if !found {
		return nil, fmt.Errorf("%w: missing scheme separator", ErrBadCredentials)
	}
	switch strings.ToUpper(scheme) {
	case "L402", "LSAT":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNoCredentials, scheme)
	}

	macB64, preimageHex, found := strings.Cut(strings.TrimSpace(rest), ":")
	if !found || macB64 == "" {
		return nil, fmt.Errorf("%w: want <macaroon>:<preimage>", ErrBadCredentials)
	}

	preimage, err := hex.DecodeString(preimageHex)
	if err != nil {
		return nil, fmt.Errorf("%w: preimage is not hex", ErrBadCredentials)
	}
	if len(preimage) != preimageSize {
		return nil, fmt.Errorf("%w: preimage must be %d bytes", ErrBadCredentials, preimageSize)
	}

	creds := &Credentials{MacaroonB64: macB64}
	copy(creds.Preimage[:], preimage)
	return creds, nil
}
