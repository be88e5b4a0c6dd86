// Package nonce mints the single-use values bound to each sign-in attempt.
package nonce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultLength is the nonce length attached to a sign-in attempt.
	DefaultLength = 32
	// MaxLength caps a requested length.
	MaxLength = 1024
)

// ErrInvalidLength is returned when length is not in 1..MaxLength.
var ErrInvalidLength = errors.New("nonce: invalid length")

// Generator draws nonces from a random byte source.
type Generator struct {
	source io.Reader
}

// NewGenerator builds a Generator reading from source. A nil source uses crypto/rand.
func NewGenerator(source io.Reader) *Generator {
	if source == nil {
		source = rand.Reader
	}
	return &Generator{source: source}
}

var defaultGenerator = NewGenerator(nil)

// Generate returns a fresh nonce of exactly length printable-ASCII characters.
func Generate(length int) (string, error) {
	return defaultGenerator.Generate(length)
}

// Generate draws length bytes at a time and keeps only those that decode as
// printable ASCII, until length characters are collected. Rejected bytes are
// dropped, never substituted.
func (g *Generator) Generate(length int) (string, error) {
	if length <= 0 || length > MaxLength {
		return "", fmt.Errorf("%w: got %d, want 1 to %d", ErrInvalidLength, length, MaxLength)
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			return "", fmt.Errorf("nonce: read entropy: %w", err)
		}
		for _, b := range buf {
			if !printable(b) {
				continue
			}
			out = append(out, b)
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// Hash returns the hex SHA-256 digest sent to the identity provider in place of the raw nonce.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func printable(b byte) bool {
	return b >= 0x20 && b <= 0x7e
}
