package oauth

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Client assertions are valid for this long after signing.
const clientAssertionTTL = 5 * time.Minute

// DPoP proofs are valid for this long after signing.
const dpopProofTTL = 30 * time.Second

func init() {
	// tells JWT library to serialize 'aud' as regular string, not array of strings (when signing)
	jwt.MarshalSingleStringAsArray = false
}

type dpopClaims struct {
	jwt.RegisteredClaims

	HTTPMethod      string  `json:"htm"`
	TargetURI       string  `json:"htu"`
	AccessTokenHash *string `json:"ath,omitempty"`
	Nonce           *string `json:"nonce,omitempty"`
}

// Signs a `private_key_jwt` client assertion for the given audience (auth server issuer).
func newClientAssertion(key SigningKey, clientID, audience string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  []string{audience},
		ID:        randomNonce(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.KeyID
	return token.SignedString(key.Private)
}

// Per-flow DPoP key, with the public JWK pre-computed for proof headers.
type dpopKey struct {
	priv   *ecdsa.PrivateKey
	pubJWK jwk.Key
}

func newDPoPKey(priv *ecdsa.PrivateKey) (*dpopKey, error) {
	pub, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("converting DPoP public key to JWK: %w", err)
	}
	return &dpopKey{priv: priv, pubJWK: pub}, nil
}

// Signs a DPoP proof for a single HTTP request. A nonce is included if the server has provided one.
func (k *dpopKey) proof(httpMethod, targetURL, nonce string) (string, error) {
	now := time.Now()
	claims := dpopClaims{
		HTTPMethod: httpMethod,
		TargetURI:  targetURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(dpopProofTTL)),
		},
	}
	if nonce != "" {
		claims.Nonce = &nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = k.pubJWK
	return token.SignedString(k.priv)
}
