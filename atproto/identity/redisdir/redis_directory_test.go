package redisdir

import (
	"context"
	"testing"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func testRedisDirectory(t *testing.T, inner identity.Directory) (*RedisDirectory, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisDirectoryWithClient(inner, rdb, time.Hour, time.Minute, time.Minute, 0), mr
}

func TestRedisDirectory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	inner := identity.NewMockDirectory()
	inner.Insert(identity.Identity{
		DID:         syntax.DID("did:plc:abc111"),
		Handle:      syntax.Handle("handle.example.com"),
		AlsoKnownAs: []string{"at://handle.example.com"},
		Services: map[string]identity.ServiceEndpoint{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", URL: "https://pds.example.com"},
		},
	})
	dir, mr := testRedisDirectory(t, &inner)

	ident, err := dir.LookupHandle(ctx, syntax.Handle("Handle.Example.com"))
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:abc111"), ident.DID)
	assert.True(mr.Exists("dir/handle.example.com"))
	assert.True(mr.Exists("dir/did:plc:abc111"))

	// a second directory sharing the same redis sees the cached identity, without hitting its inner directory
	empty := identity.NewMockDirectory()
	other := NewRedisDirectoryWithClient(&empty, redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, time.Minute, time.Minute, 0)
	ident, err = other.LookupDID(ctx, syntax.DID("did:plc:abc111"))
	assert.NoError(err)
	assert.Equal(syntax.Handle("handle.example.com"), ident.Handle)
	assert.Equal("https://pds.example.com", ident.PDSEndpoint())

	assert.NoError(dir.Purge(ctx, syntax.AtIdentifier("did:plc:abc111")))
	assert.False(mr.Exists("dir/did:plc:abc111"))
	assert.NoError(dir.Purge(ctx, syntax.AtIdentifier("did:plc:abc111")))
}

func TestRedisDirectoryCachedErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	inner := identity.NewMockDirectory()
	dir, _ := testRedisDirectory(t, &inner)

	for range 2 {
		_, err := dir.LookupDID(ctx, syntax.DID("did:plc:missing"))
		assert.ErrorIs(err, identity.ErrDIDNotFound)
		_, err = dir.LookupHandle(ctx, syntax.Handle("missing.example.com"))
		assert.ErrorIs(err, identity.ErrHandleNotFound)
	}
}
