package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"strings"
)

// Alphabet is the set of characters challenge text is drawn from. It leaves
// out glyphs that are easy to confuse once distorted (0/O, 1/I).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// TokenBytes is the amount of entropy in a challenge token.
const TokenBytes = 16

// GenerateText returns n characters picked independently and uniformly from
// Alphabet.
func GenerateText(n int) string {
	if n <= 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(n)
	for range n {
		sb.WriteByte(Alphabet[mrand.IntN(len(Alphabet))])
	}

	return sb.String()
}

// NewToken returns a hex-encoded token read from the system CSPRNG.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("challenge: can't read random token: %w", err)
	}

	return hex.EncodeToString(buf), nil
}
