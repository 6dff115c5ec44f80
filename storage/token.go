package storage

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// dummySecretHash is a well-formed cost 10 bcrypt hash. It is compared against when a
// client does not exist, so lookups for unknown clients cost the same as for
// known ones.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// GenerateToken returns a cryptographically random, URL-safe opaque string
// (32 bytes of entropy, base64url encoded) for codes and tokens.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// HashClientSecret produces the bcrypt hash persisted for a client secret.
func HashClientSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client secret cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// CompareClientSecret validates secret against client. A nil client (lookup
// failed) still performs a full bcrypt comparison against a dummy hash.
// Returns ErrInvalidCredentials on any mismatch.
func CompareClientSecret(client *Client, secret string) error {
	hashToCompare := dummySecretHash
	if client != nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	// ALWAYS compare (constant-time by design of bcrypt)
	err := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if client == nil || client.ClientSecretHash == "" || err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
