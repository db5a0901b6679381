// Package domain id.go contains functions to generate, parse, and validate IDs
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// SecretID is the canonical identifier for a stored secret.
// It is a 128-bit random value encoded as 32 lowercase hex characters.
type SecretID string

// NewID generates a new cryptographically random 128-bit SecretID encoded
// as 32 lowercase hexadecimal characters. crypto/rand.Read never returns an
// error on supported platforms, so generation cannot fail.
func NewID() SecretID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	dst := make([]byte, 32)
	hex.Encode(dst, b[:]) // hex.Encode always produces lowercase
	return SecretID(dst)
}

// ParseID validates s and returns it as a SecretID. It enforces:
// - non-empty
// - length == 32
// - only lowercase [0-9a-f]
// Returns ErrInvalidID on failure.
func ParseID(s string) (SecretID, error) {
	if !isValidID(s) {
		return "", ErrInvalidID
	}
	return SecretID(s), nil
}

// ParseRequestedID accepts an identifier proposed by a caller. Besides the
// canonical form it accepts UUID text (any case, with or without hyphens),
// which is normalized to canonical lowercase hex.
func ParseRequestedID(s string) (SecretID, error) {
	if isValidID(s) {
		return SecretID(s), nil
	}
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", ErrInvalidID
	}
	return SecretID(hex.EncodeToString(u[:])), nil
}

// String returns the string form of the SecretID.
func (id SecretID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseID.
func (id SecretID) Valid() bool { return isValidID(string(id)) }

// isValidID performs validation without allocating errors.
func isValidID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
