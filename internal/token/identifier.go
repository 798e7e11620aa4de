// ABOUTME: Versioned binary codec for the macaroon identifier
// ABOUTME: Embeds the payment hash and a random token ID in every token

package token

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LatestVersion is the identifier version written by this code.
	LatestVersion = 0

	// HashSize is the byte length of a payment hash (sha256).
	HashSize = 32

	// TokenIDSize is the byte length of the random token ID.
	TokenIDSize = 32
)

// ErrUnknownVersion is returned when decoding an identifier written by a
// version this code does not understand.
var ErrUnknownVersion = errors.New("unknown identifier version")

// ZeroHash is the payment hash carried by tokens that were minted
// administratively rather than through a payment challenge.
var ZeroHash [HashSize]byte

// Identifier is the decoded form of a macaroon identifier.
type Identifier struct {
	// Version of the identifier encoding.
	Version uint16

	// PaymentHash of the invoice issued alongside this token, or
	// ZeroHash for administratively minted tokens.
	PaymentHash [HashSize]byte

	// TokenID is random and unique per minted token.
	TokenID [TokenIDSize]byte
}

// NewTokenID returns a fresh random token ID.
func NewTokenID() ([TokenIDSize]byte, error) {
	var id [TokenIDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating token ID: %w", err)
	}
	return id, nil
}

// EncodeIdentifier serializes an identifier into its wire form:
// version (uint16, big endian) || payment hash || token ID.
func EncodeIdentifier(id *Identifier) ([]byte, error) {
	if id.Version != LatestVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, id.Version)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, id.Version); err != nil {
		return nil, err
	}
	buf.Write(id.PaymentHash[:])
	buf.Write(id.TokenID[:])
	return buf.Bytes(), nil
}

// DecodeIdentifier deserializes an identifier from its wire form.
func DecodeIdentifier(raw []byte) (*Identifier, error) {
	r := bytes.NewReader(raw)

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("reading identifier version: %w", err)
	}
	if version != LatestVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	var id Identifier
	id.Version = version
	if _, err := io.ReadFull(r, id.PaymentHash[:]); err != nil {
		return nil, fmt.Errorf("reading payment hash: %w", err)
	}
	if _, err := io.ReadFull(r, id.TokenID[:]); err != nil {
		return nil, fmt.Errorf("reading token ID: %w", err)
	}
	return &id, nil
}
