package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	handleRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

	// Placeholder handle for an identity whose declared handle failed bi-directional verification.
	HandleInvalid = Handle("handle.invalid")
)

var ErrInvalidHandle = errors.New("invalid handle syntax")

// A syntactically valid handle (a DNS hostname). Use [ParseHandle] on untrusted input.
//
// Syntax specification: https://atproto.com/specs/handle
type Handle string

func ParseHandle(raw string) (Handle, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty string", ErrInvalidHandle)
	}
	if len(raw) > 253 {
		return "", fmt.Errorf("%w: too long (253 chars max)", ErrInvalidHandle)
	}
	if !handleRegex.MatchString(raw) {
		return "", fmt.Errorf("%w: %s", ErrInvalidHandle, raw)
	}
	return Handle(raw), nil
}

// Reserved top-level domains are syntactically fine but never resolve to a real account.
//
// ".test" is deliberately allowed, for local development.
func (h Handle) AllowedTLD() bool {
	switch h.TLD() {
	case "local", "arpa", "invalid", "localhost", "internal", "example", "onion", "alt":
		return false
	}
	return true
}

func (h Handle) TLD() string {
	parts := strings.Split(string(h.Normalize()), ".")
	return parts[len(parts)-1]
}

func (h Handle) IsInvalidHandle() bool {
	return h.Normalize() == HandleInvalid
}

// Handles are case-insensitive; the normalized form is lower-case.
func (h Handle) Normalize() Handle {
	return Handle(strings.ToLower(string(h)))
}

func (h Handle) AtIdentifier() AtIdentifier {
	return AtIdentifier(h)
}

func (h Handle) String() string {
	return string(h)
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	handle, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = handle
	return nil
}
