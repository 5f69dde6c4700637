package syntax

import (
	"errors"
	"strings"
)

// Either a [DID] or a [Handle]: what a user types in to a login form.
type AtIdentifier string

// Parses a DID or handle. A leading "@" (common when users copy handles from an app) is stripped.
func ParseAtIdentifier(raw string) (AtIdentifier, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if raw == "" {
		return "", errors.New("expected AT account identifier, got empty string")
	}
	if strings.HasPrefix(raw, "did:") {
		did, err := ParseDID(raw)
		if err != nil {
			return "", err
		}
		return AtIdentifier(did), nil
	}
	handle, err := ParseHandle(raw)
	if err != nil {
		return "", err
	}
	return AtIdentifier(handle.Normalize()), nil
}

func (n AtIdentifier) IsDID() bool {
	return strings.HasPrefix(string(n), "did:")
}

func (n AtIdentifier) IsHandle() bool {
	return n != "" && !n.IsDID()
}

func (n AtIdentifier) AsHandle() (Handle, error) {
	if n.IsHandle() {
		return Handle(n), nil
	}
	return "", errors.New("AT identifier is not a handle")
}

func (n AtIdentifier) AsDID() (DID, error) {
	if n.IsDID() {
		return DID(n), nil
	}
	return "", errors.New("AT identifier is not a DID")
}

func (n AtIdentifier) String() string {
	return string(n)
}
