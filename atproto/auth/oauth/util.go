package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// Returns a random URL-safe token with 16 bytes of entropy.
func randomNonce() string {
	buf := make([]byte, 16)
	// crypto/rand.Read never returns an error on supported platforms
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Returns a fresh PKCE verifier: 48 random bytes, base64url encoded (64 characters).
func newPKCEVerifier() string {
	buf := make([]byte, 48)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Computes the PKCE "S256" code challenge for a verifier.
func S256CodeChallenge(raw string) string {
	b := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(b[:])
}
