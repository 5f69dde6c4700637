package cliutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
)

// Generates a new P-256 private key, encoded as PKCS#8 PEM.
func GenerateKeyPEM() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// Collapses a PEM block to a single line, with literal `\n` sequences, for use in .env files and environment variables.
func EscapePEM(pemText string) string {
	return strings.ReplaceAll(strings.TrimSpace(pemText), "\n", `\n`)
}
