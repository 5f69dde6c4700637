package oauth

import (
	"errors"
	"fmt"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

var (
	ErrInvalidAuthServerMetadata = errors.New("invalid auth server metadata")
	ErrInvalidClientMetadata     = errors.New("invalid client metadata doc")
	ErrInvalidProtectedResource  = errors.New("invalid protected resource metadata")
)

// No client signing key was loaded, so no client assertion can be produced.
var ErrNoSigningKey = errors.New("no client signing key configured")

var (
	ErrAuthRequestNotFound = errors.New("auth request not found")
	ErrSessionNotFound     = errors.New("session not found")
)

var (
	ErrIssuerMismatch    = errors.New("callback issuer does not match auth request")
	ErrSubjectMismatch   = errors.New("token subject does not match auth request account")
	ErrTokenRequest      = errors.New("token request failed")
	ErrInvalidTokenResp  = errors.New("invalid token response")
	ErrAuthServerError   = errors.New("auth server returned an error")
	ErrPushedAuthRequest = errors.New("pushed auth request failed")
)

// Returned by [ClientApp.Authorize] when a login flow could not be started. Nothing is persisted when this is returned.
type AuthorizationError struct {
	Identifier string
	Err        error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("starting authorization for %q: %s", e.Identifier, e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// The callback `state` did not correspond to a pending auth request: it was never issued, has expired, or was already used.
type InvalidStateError struct {
	State string
}

func (e *InvalidStateError) Error() string {
	return "unknown or already used OAuth state"
}

func (e *InvalidStateError) Unwrap() error {
	return ErrAuthRequestNotFound
}

// The callback could not be completed: auth server error, issuer mismatch, or a failed or invalid token exchange.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("OAuth callback failed: %s", e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Tokens were obtained, but the account identity could not be resolved and verified. No session is persisted when this is returned.
type IdentityError struct {
	DID syntax.DID
	Err error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("verifying identity of %s: %s", e.DID, e.Err)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}
