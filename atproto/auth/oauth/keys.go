package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// A client authentication key: a P-256 private key and the key ID it is published under.
type SigningKey struct {
	KeyID   string
	Private *ecdsa.PrivateKey
}

// Ordered, immutable set of client signing keys. The first key is used to sign client assertions; all are published in the JWKS.
type KeySet struct {
	keys []SigningKey
}

// Parses a comma-separated list of PEM-encoded P-256 private keys (PKCS#8, or SEC1 "EC PRIVATE KEY").
//
// Entries which fail to parse are logged and skipped, not fatal. Surviving keys get the ID "kid-NN", where NN is the zero-padded position of the entry in the original list, so IDs stay stable when a neighbouring entry is broken. An empty string results in an empty set.
//
// Literal `\n` sequences are treated as newlines, so keys can be passed in single-line environment variables.
func LoadKeySet(raw string) *KeySet {
	return loadKeySet(raw, slog.Default().With("component", "oauth"))
}

func loadKeySet(raw string, logger *slog.Logger) *KeySet {
	ks := &KeySet{}
	if strings.TrimSpace(raw) == "" {
		keysLoaded.Set(0)
		logger.Warn("no OAuth client signing keys configured; logins will fail")
		return ks
	}

	entries := strings.Split(raw, ",")
	for i, entry := range entries {
		entry = strings.TrimSpace(strings.ReplaceAll(entry, `\n`, "\n"))
		priv, err := parsePrivateKeyPEM(entry)
		if err != nil {
			logger.Warn("skipping unusable OAuth client signing key", "index", i, "err", err)
			continue
		}
		ks.keys = append(ks.keys, SigningKey{
			KeyID:   fmt.Sprintf("kid-%02d", i),
			Private: priv,
		})
	}

	keysLoaded.Set(float64(len(ks.keys)))
	switch {
	case len(ks.keys) == 0:
		logger.Warn("no usable OAuth client signing keys; logins will fail", "configured", len(entries))
	case len(ks.keys) < len(entries):
		logger.Warn("loaded OAuth client signing keys", "count", len(ks.keys), "configured", len(entries))
	default:
		logger.Info("loaded OAuth client signing keys", "count", len(ks.keys))
	}
	return ks
}

func parsePrivateKeyPEM(data string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#8 private key: %w", err)
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type: %T", key)
		}
		priv = ec
	case "EC PRIVATE KEY":
		ec, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}
		priv = ec
	default:
		return nil, fmt.Errorf("unsupported PEM block type: %s", block.Type)
	}

	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve: %s", priv.Curve.Params().Name)
	}
	return priv, nil
}

// Builds a KeySet directly from keys, assigning IDs by position. Mostly useful in tests.
func NewKeySet(keys ...*ecdsa.PrivateKey) *KeySet {
	ks := &KeySet{}
	for i, k := range keys {
		ks.keys = append(ks.keys, SigningKey{KeyID: fmt.Sprintf("kid-%02d", i), Private: k})
	}
	return ks
}

func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.keys)
}

// The key used to sign client assertions.
func (ks *KeySet) Primary() (SigningKey, error) {
	if ks.Len() == 0 {
		return SigningKey{}, ErrNoSigningKey
	}
	return ks.keys[0], nil
}

func (ks *KeySet) Key(kid string) (SigningKey, bool) {
	if ks == nil {
		return SigningKey{}, false
	}
	for _, k := range ks.keys {
		if k.KeyID == kid {
			return k, true
		}
	}
	return SigningKey{}, false
}

func (ks *KeySet) KeyIDs() []string {
	if ks == nil {
		return nil
	}
	ids := make([]string, 0, len(ks.keys))
	for _, k := range ks.keys {
		ids = append(ids, k.KeyID)
	}
	return ids
}

// Returns the public halves of all keys as a JWK set, each tagged with "kid", "alg" (ES256) and "use" (sig). No private key material is included.
func (ks *KeySet) PublicJWKS() (jwk.Set, error) {
	set := jwk.NewSet()
	if ks == nil {
		return set, nil
	}
	for _, k := range ks.keys {
		pub, err := jwk.FromRaw(&k.Private.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("converting public key %s to JWK: %w", k.KeyID, err)
		}
		if err := pub.Set(jwk.KeyIDKey, k.KeyID); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}
