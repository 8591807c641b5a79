// Package session implements the relay session table: the single source of
// truth for which peers may relay traffic to each other.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// IDSize is the size of a session ID in bytes (128 bits).
	IDSize = 16

	// SecretSize is the size of a per-slot secret in bytes.
	SecretSize = 32
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect
	ErrInvalidIDLength = errors.New("invalid session ID length: expected 16 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed
	ErrInvalidHexString = errors.New("invalid hex string for session ID")

	// ZeroID represents an uninitialized session ID
	ZeroID = ID{}
)

// ID is a 128-bit session identifier. IDs are generated with crypto/rand so
// that a live session cannot be guessed by an attacker.
type ID [IDSize]byte

// NewID generates a new random session ID using crypto/rand.
func NewID() (ID, error) {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate session ID: %w", err)
	}
	return id, nil
}

// ParseID parses a session ID from a hex string.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	bytes, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id ID
	copy(id[:], bytes)
	return id, nil
}

// IDFromBytes creates a session ID from a byte slice.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the session ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (id ID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the session ID as a byte slice.
func (id ID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the session ID is uninitialized (all zeros).
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Secret is a per-slot authentication secret issued at allocation time.
// Possession of a slot secret is what authenticates a peer, both on the
// control plane and in data-plane MAC tags.
type Secret [SecretSize]byte

// NewSecret generates a new random slot secret using crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return Secret{}, fmt.Errorf("failed to generate slot secret: %w", err)
	}
	return s, nil
}

// SecretFromBytes creates a secret from a byte slice.
func SecretFromBytes(b []byte) (Secret, error) {
	if len(b) != SecretSize {
		return Secret{}, fmt.Errorf("invalid secret length: got %d bytes, expected %d", len(b), SecretSize)
	}
	var s Secret
	copy(s[:], b)
	return s, nil
}

// Bytes returns the secret as a byte slice.
func (s Secret) Bytes() []byte {
	return s[:]
}

// Equal compares two secrets in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare(s[:], other[:]) == 1
}
