package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Generates a fresh P-256 DPoP key, returning it along with its private JWK serialization (for persisting in auth request and session data).
func generateDPoPKey() (*dpopKey, string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generating DPoP key: %w", err)
	}
	privJWK, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, "", fmt.Errorf("converting DPoP key to JWK: %w", err)
	}
	b, err := json.Marshal(privJWK)
	if err != nil {
		return nil, "", err
	}
	key, err := newDPoPKey(priv)
	if err != nil {
		return nil, "", err
	}
	return key, string(b), nil
}

// Restores a DPoP key from its persisted private JWK.
func parseDPoPKey(raw string) (*dpopKey, error) {
	k, err := jwk.ParseKey([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing DPoP key JWK: %w", err)
	}
	var priv ecdsa.PrivateKey
	if err := k.Raw(&priv); err != nil {
		return nil, fmt.Errorf("DPoP key is not an EC private key: %w", err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("DPoP key must be P-256")
	}
	return newDPoPKey(&priv)
}
