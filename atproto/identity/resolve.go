package identity

import (
	"context"
	"fmt"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// Returned by [ResolveIdentifier] when an account identifier could not be resolved to a verified identity.
type ResolutionError struct {
	// The identifier as provided by the caller
	Identifier string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving account identifier %q: %s", e.Identifier, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolves a handle or DID (as typed by a user) to a fully verified identity.
//
// Unlike [Directory.LookupDID], a DID whose declared handle does not resolve back to it is an error here, not a `handle.invalid` identity. All failures are returned as [*ResolutionError].
func ResolveIdentifier(ctx context.Context, dir Directory, raw string) (*Identity, error) {
	atid, err := syntax.ParseAtIdentifier(raw)
	if err != nil {
		return nil, &ResolutionError{Identifier: raw, Err: err}
	}
	if did, err := atid.AsDID(); err == nil && !did.IsSupportedMethod() {
		return nil, &ResolutionError{Identifier: raw, Err: fmt.Errorf("%w: %s", ErrDIDMethodUnsupported, did.Method())}
	}

	ident, err := dir.Lookup(ctx, atid)
	if err != nil {
		return nil, &ResolutionError{Identifier: raw, Err: err}
	}
	if ident.Handle.IsInvalidHandle() {
		return nil, &ResolutionError{
			Identifier: raw,
			Err:        fmt.Errorf("%w: declared handle does not resolve to %s", ErrHandleMismatch, ident.DID),
		}
	}
	return ident, nil
}
