package oauth

import (
	"context"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// Persistence for pending auth requests, keyed by state token.
//
// A ttl of zero means the entry does not expire. Expired entries behave as if they were absent.
type StateStore interface {
	SaveAuthRequest(ctx context.Context, info AuthRequestData, ttl time.Duration) error
	GetAuthRequest(ctx context.Context, state string) (*AuthRequestData, error)
	DeleteAuthRequest(ctx context.Context, state string) error

	// Atomically fetches and removes an auth request. Of any number of concurrent calls for the same state, at most one succeeds; the others return ErrAuthRequestNotFound.
	TakeAuthRequest(ctx context.Context, state string) (*AuthRequestData, error)
}

// Persistence for authenticated sessions, keyed by account DID. Saving replaces any existing session for the account.
type SessionStore interface {
	SaveSession(ctx context.Context, sess SessionData, ttl time.Duration) error
	GetSession(ctx context.Context, did syntax.DID) (*SessionData, error)
	DeleteSession(ctx context.Context, did syntax.DID) error
}

// Convenience interface for backends which implement both stores.
type ClientAuthStore interface {
	StateStore
	SessionStore
}

// Implemented by stores which keep expired entries around until they are swept (memory and SQL backends). Returns the number of entries removed.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}
