package oauth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPKCE(t *testing.T) {
	assert := assert.New(t)

	// RFC 7636, appendix B
	assert.Equal("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", S256CodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))

	v := newPKCEVerifier()
	assert.Len(v, 64)
	assert.NotEqual(v, newPKCEVerifier())
	assert.NotEqual(randomNonce(), randomNonce())
}

func TestClientAssertion(t *testing.T) {
	assert := assert.New(t)

	priv := newTestKey(t)
	ks := NewKeySet(priv)
	key, err := ks.Primary()
	require.NoError(t, err)

	signed, err := newClientAssertion(key, "https://app.example.com/oauth-client-metadata.json", "https://auth.example.com")
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (any, error) {
		return &priv.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal("kid-00", tok.Header["kid"])
	assert.Equal("https://app.example.com/oauth-client-metadata.json", claims.Issuer)
	assert.Equal(claims.Issuer, claims.Subject)
	assert.Equal(jwt.ClaimStrings{"https://auth.example.com"}, claims.Audience)
	assert.NotEmpty(claims.ID)
	assert.Equal(clientAssertionTTL, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestDPoPKey(t *testing.T) {
	assert := assert.New(t)

	key, raw, err := generateDPoPKey()
	require.NoError(t, err)
	assert.Contains(raw, `"d"`)

	restored, err := parseDPoPKey(raw)
	require.NoError(t, err)
	assert.True(key.priv.Equal(restored.priv))

	proof, err := restored.proof("POST", "https://auth.example.com/oauth/token", "nonce-1")
	require.NoError(t, err)

	claims := dpopClaims{}
	tok, err := jwt.ParseWithClaims(proof, &claims, func(tok *jwt.Token) (any, error) {
		return &key.priv.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal("dpop+jwt", tok.Header["typ"])
	assert.NotNil(tok.Header["jwk"])
	assert.Equal("POST", claims.HTTPMethod)
	assert.Equal("https://auth.example.com/oauth/token", claims.TargetURI)
	assert.Equal("nonce-1", *claims.Nonce)

	_, err = parseDPoPKey(`{"kty":"oct","k":"c2VjcmV0"}`)
	assert.Error(err)
}
