package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// keyPrefixLen is the number of random bytes used for the key prefix (8 hex chars).
	keyPrefixLen = 4
	// keySecretLen is the number of random bytes for the secret portion (64 hex chars).
	keySecretLen = 32
	// keyFormatPrefix is the static prefix for all Moltins API keys.
	keyFormatPrefix = "moltins_"
)

// GenerateRawKey produces a new raw API key in the format
// moltins_<8-char-prefix>_<64-char-secret>. The prefix is stored in clear
// for lookup; the full key is only ever stored hashed.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	rawKey = keyFormatPrefix + prefix + "_" + hex.EncodeToString(secretBytes)
	return rawKey, prefix, nil
}

// ParseRawKey extracts the lookup prefix from a raw key string.
func ParseRawKey(rawKey string) (prefix string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}

	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx != keyPrefixLen*2 || underIdx == len(rest)-1 {
		return "", fmt.Errorf("model: invalid key format: expected %s<prefix>_<secret>", keyFormatPrefix)
	}
	return rest[:underIdx], nil
}

// IsAPIKey reports whether s looks like a Moltins API key rather than a JWT.
func IsAPIKey(s string) bool {
	return strings.HasPrefix(s, keyFormatPrefix)
}
