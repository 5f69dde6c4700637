package syntax

import (
	"errors"
	"regexp"
	"strings"
)

// A syntactically valid DID. Use [ParseDID] on any untrusted input rather than casting strings directly.
//
// Syntax specification: https://atproto.com/specs/did
type DID string

var didRegex = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)

// DID methods which atproto accounts may use.
var supportedDIDMethods = []string{"plc", "web"}

var ErrInvalidDID = errors.New("invalid DID syntax")

func ParseDID(raw string) (DID, error) {
	if raw == "" {
		return "", errors.Join(ErrInvalidDID, errors.New("empty string"))
	}
	if len(raw) > 2*1024 {
		return "", errors.Join(ErrInvalidDID, errors.New("too long (2048 chars max)"))
	}
	if !didRegex.MatchString(raw) {
		return "", ErrInvalidDID
	}
	return DID(raw), nil
}

// The method segment, between the "did:" prefix and the identifier.
func (d DID) Method() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// The final identifier segment.
func (d DID) Identifier() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// Whether this DID uses a method that atproto account resolution handles (did:plc or did:web).
func (d DID) IsSupportedMethod() bool {
	m := d.Method()
	for _, s := range supportedDIDMethods {
		if m == s {
			return true
		}
	}
	return false
}

func (d DID) AtIdentifier() AtIdentifier {
	return AtIdentifier(d)
}

func (d DID) String() string {
	return string(d)
}

func (d DID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DID) UnmarshalText(text []byte) error {
	did, err := ParseDID(string(text))
	if err != nil {
		return err
	}
	*d = did
	return nil
}
