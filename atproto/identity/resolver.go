package identity

import (
	"context"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// Low-level DNS lookup capability. `*net.Resolver` satisfies this interface; tests substitute a static implementation.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Resolves a handle to a DID. Does not verify that the DID document declares the handle.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
}

// Resolves a DID to its DID document. Does not verify the handle.
//
// Most code should use the [Directory] interface instead.
type DIDResolver interface {
	ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error)
}
