package identity

import (
	"context"
	"testing"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/stretchr/testify/assert"
)

func TestMockDirectory(t *testing.T) {
	var err error
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMockDirectory()
	id1 := Identity{
		DID:    syntax.DID("did:plc:abc111"),
		Handle: syntax.Handle("handle.example.com"),
	}
	id2 := Identity{
		DID:    syntax.DID("did:plc:abc222"),
		Handle: syntax.HandleInvalid,
	}

	// first, empty directory
	_, err = c.LookupHandle(ctx, syntax.Handle("handle.example.com"))
	assert.Equal(ErrHandleNotFound, err)
	_, err = c.LookupDID(ctx, syntax.DID("did:plc:abc123"))
	assert.Equal(ErrDIDNotFound, err)

	c.Insert(id1)
	c.Insert(id2)

	out, err := c.Lookup(ctx, syntax.AtIdentifier("Handle.Example.com"))
	assert.NoError(err)
	assert.Equal(&id1, out)
	out, err = c.LookupDID(ctx, syntax.DID("did:plc:abc111"))
	assert.NoError(err)
	assert.Equal(&id1, out)

	out, err = c.LookupDID(ctx, syntax.DID("did:plc:abc222"))
	assert.NoError(err)
	assert.True(out.Handle.IsInvalidHandle())

	_, err = c.LookupHandle(ctx, syntax.HandleInvalid)
	assert.Equal(ErrHandleNotFound, err)

	_, err = ResolveIdentifier(ctx, &c, "did:plc:abc222")
	assert.ErrorIs(err, ErrHandleMismatch)
}
