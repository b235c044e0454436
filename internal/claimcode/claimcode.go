// Package claimcode generates the public identifiers used to claim an agent:
// the opaque claim token embedded in the claim link, and the short
// verification code a human posts in a tweet.
package claimcode

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// TokenPrefix namespaces every claim token.
const TokenPrefix = "moltins_claim_"

// tokenBytes gives 192 bits of entropy in the random segment.
const tokenBytes = 24

// Words is the fixed vocabulary verification codes are drawn from.
var Words = []string{
	"reef", "wave", "surf", "tide", "crab",
	"fish", "sand", "palm", "boat", "star",
	"moon", "beam", "glow", "pixel", "byte",
}

// GenerateClaimToken returns a URL-safe, unguessable claim token.
func GenerateClaimToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("claimcode: generate claim token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateVerificationCode returns a code of the form word-HHHH, for
// example "reef-3F0A". The code is posted publicly, so it only needs to be
// hard to guess before the claim link is issued.
func GenerateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(Words))))
	if err != nil {
		return "", fmt.Errorf("claimcode: pick word: %w", err)
	}
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("claimcode: generate suffix: %w", err)
	}
	return Words[n.Int64()] + "-" + strings.ToUpper(hex.EncodeToString(suffix)), nil
}

// IsClaimToken reports whether s has the claim token shape. It is a cheap
// pre-filter before hitting the store, not a validity check.
func IsClaimToken(s string) bool {
	return strings.HasPrefix(s, TokenPrefix) && len(s) > len(TokenPrefix)
}
