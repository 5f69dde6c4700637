package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDIDParse(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		"did:web:example.com",
		"did:web:localhost%3A8080",
		"did:method:val:two",
		"did:m:v",
	}
	for _, raw := range valid {
		_, err := ParseDID(raw)
		assert.NoError(err, raw)
	}

	invalid := []string{
		"",
		"did",
		"did:plc",
		"did:plc:",
		"DID:plc:abc",
		"did:PLC:abc",
		"did:plc:abc:",
		"did:plc:abc def",
		"did:plc:abc%",
	}
	for _, raw := range invalid {
		_, err := ParseDID(raw)
		assert.ErrorIs(err, ErrInvalidDID, raw)
	}
}

func TestDIDParts(t *testing.T) {
	assert := assert.New(t)

	d, err := ParseDID("did:web:localhost%3A8080")
	assert.NoError(err)
	assert.Equal("web", d.Method())
	assert.Equal("localhost%3A8080", d.Identifier())
	assert.True(d.IsSupportedMethod())

	d, err = ParseDID("did:key:zQ3shZc2QzApp2oymGvQbzP8eKheVshBHbU4ZYjeXqwSKEn6N")
	assert.NoError(err)
	assert.Equal("key", d.Method())
	assert.False(d.IsSupportedMethod())
	assert.False(d.AtIdentifier().IsHandle())
}

func TestDIDText(t *testing.T) {
	assert := assert.New(t)

	var d DID
	assert.NoError(d.UnmarshalText([]byte("did:plc:abc123")))
	assert.Equal(DID("did:plc:abc123"), d)
	assert.Error(d.UnmarshalText([]byte("not-a-did")))
}
