package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SecretPrefix identifies Gatehouse verification secrets
	SecretPrefix = "gate_"
	// SecretLength is the number of random bytes per secret (256 bits)
	SecretLength = 32
)

// SecretGenerator generates and hashes the single-use secrets embedded in
// verification and password-reset links. Secrets are stored hashed so a
// database leak does not leak live tokens.
type SecretGenerator struct{}

// NewSecretGenerator creates a new secret generator
func NewSecretGenerator() *SecretGenerator {
	return &SecretGenerator{}
}

// Generate creates a new secret.
// Format: gate_<base64url(32 random bytes)>
// Returns the plaintext secret (give to the user once) and its SHA-256 hash
// (store in the database).
func (g *SecretGenerator) Generate() (secret string, secretHash string, err error) {
	randomBytes := make([]byte, SecretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	secret = SecretPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)

	hash := sha256.Sum256([]byte(secret))
	return secret, hex.EncodeToString(hash[:]), nil
}

// Hash computes the SHA-256 hash of a secret for lookup.
func (g *SecretGenerator) Hash(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// ValidateFormat checks whether a secret has the expected shape before any
// database lookup happens.
func (g *SecretGenerator) ValidateFormat(secret string) error {
	if !strings.HasPrefix(secret, SecretPrefix) {
		return fmt.Errorf("secret must start with %q", SecretPrefix)
	}

	encoded := strings.TrimPrefix(secret, SecretPrefix)
	if len(encoded) == 0 {
		return fmt.Errorf("secret is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid secret encoding: %w", err)
	}

	return nil
}
