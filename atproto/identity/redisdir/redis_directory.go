package redisdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// prefix string for all the Redis keys this cache uses
var redisDirPrefix string = "dir/"

// Uses redis as a cache for identity lookups, so that several instances of a service can share resolution results.
//
// Includes an in-process LRU cache as well (provided by the redis client library), for hot keys.
type RedisDirectory struct {
	Inner            identity.Directory
	ErrTTL           time.Duration
	HitTTL           time.Duration
	InvalidHandleTTL time.Duration
	Logger           *slog.Logger

	handleCache   *cache.Cache
	identityCache *cache.Cache
	lookups       singleflight.Group
}

type handleEntry struct {
	Updated time.Time
	// needs to be pointer type, because unmarshalling empty string would be an error
	DID *syntax.DID
	// errors don't survive serialization; only the message is kept
	Err string
}

type identityEntry struct {
	Updated  time.Time
	Identity *identity.Identity
	Err      string
}

var _ identity.Directory = (*RedisDirectory)(nil)

// Creates a new caching `identity.Directory` wrapper around an existing directory, using Redis and in-process LRU for caching.
//
// `redisURL` contains all the redis connection config options.
// `hitTTL` and `errTTL` define how long successful and errored identity metadata should be cached (respectively). errTTL is expected to be shorted than hitTTL.
// `lruSize` is the size of the in-process cache, for each of the handle and identity caches. 10000 is a reasonable default.
func NewRedisDirectory(inner identity.Directory, redisURL string, hitTTL, errTTL, invalidHandleTTL time.Duration, lruSize int) (*RedisDirectory, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis identity cache: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, fmt.Errorf("could not connect to redis identity cache: %w", err)
	}
	return NewRedisDirectoryWithClient(inner, rdb, hitTTL, errTTL, invalidHandleTTL, lruSize), nil
}

// Same as NewRedisDirectory, with an existing client. A zero lruSize disables the in-process layer.
func NewRedisDirectoryWithClient(inner identity.Directory, rdb redis.UniversalClient, hitTTL, errTTL, invalidHandleTTL time.Duration, lruSize int) *RedisDirectory {
	opts := func() *cache.Options {
		o := &cache.Options{Redis: rdb}
		if lruSize > 0 {
			o.LocalCache = cache.NewTinyLFU(lruSize, hitTTL)
		}
		return o
	}
	return &RedisDirectory{
		Inner:            inner,
		ErrTTL:           errTTL,
		HitTTL:           hitTTL,
		InvalidHandleTTL: invalidHandleTTL,
		Logger:           slog.Default().With("component", "redisdir"),
		handleCache:      cache.New(opts()),
		identityCache:    cache.New(opts()),
	}
}

// sentinels which callers check with errors.Is, restored when reading cached errors
var knownErrors = []error{
	identity.ErrHandleNotFound,
	identity.ErrHandleMismatch,
	identity.ErrHandleNotDeclared,
	identity.ErrHandleReservedTLD,
	identity.ErrHandleResolutionFailed,
	identity.ErrDIDNotFound,
	identity.ErrDIDResolutionFailed,
	identity.ErrDIDMethodUnsupported,
}

func decodeErr(msg string) error {
	for _, known := range knownErrors {
		if msg == known.Error() {
			return known
		}
		if strings.HasPrefix(msg, known.Error()) {
			return fmt.Errorf("%w%s", known, strings.TrimPrefix(msg, known.Error()))
		}
	}
	return errors.New(msg)
}

func (d *RedisDirectory) isHandleStale(e *handleEntry) bool {
	if e.Err != "" && time.Since(e.Updated) > d.ErrTTL {
		return true
	}
	return false
}

func (d *RedisDirectory) isIdentityStale(e *identityEntry) bool {
	if e.Err != "" && time.Since(e.Updated) > d.ErrTTL {
		return true
	}
	if e.Identity != nil && e.Identity.Handle.IsInvalidHandle() && time.Since(e.Updated) > d.InvalidHandleTTL {
		return true
	}
	return false
}

func (d *RedisDirectory) set(ctx context.Context, c *cache.Cache, name, key string, val any, ttl time.Duration) {
	err := c.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisDirPrefix + key,
		Value: val,
		TTL:   ttl,
	})
	if err != nil {
		cacheWriteErrors.WithLabelValues(name).Inc()
		d.Logger.Error("identity cache write failed", "cache", name, "key", key, "err", err)
	}
}

func (d *RedisDirectory) updateHandle(ctx context.Context, h syntax.Handle) handleEntry {
	ident, err := d.Inner.LookupHandle(ctx, h)
	if err != nil {
		he := handleEntry{
			Updated: time.Now(),
			Err:     err.Error(),
		}
		d.set(ctx, d.handleCache, "handle", h.String(), he, d.ErrTTL)
		return he
	}

	entry := identityEntry{
		Updated:  time.Now(),
		Identity: ident,
	}
	he := handleEntry{
		Updated: time.Now(),
		DID:     &ident.DID,
	}
	d.set(ctx, d.identityCache, "did", ident.DID.String(), entry, d.HitTTL)
	d.set(ctx, d.handleCache, "handle", h.String(), he, d.HitTTL)
	return he
}

func (d *RedisDirectory) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	h = h.Normalize()
	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", identity.ErrInvalidHandle)
	}
	var entry handleEntry
	err := d.handleCache.Get(ctx, redisDirPrefix+h.String(), &entry)
	if err != nil && err != cache.ErrCacheMiss {
		return "", fmt.Errorf("identity cache read failed: %w", err)
	}
	if err == nil && !d.isHandleStale(&entry) {
		handleCacheHits.Inc()
		return entry.result()
	}
	handleCacheMisses.Inc()

	v, _, _ := d.lookups.Do("handle:"+h.String(), func() (any, error) {
		return d.updateHandle(ctx, h), nil
	})
	newEntry := v.(handleEntry)
	return newEntry.result()
}

func (e *handleEntry) result() (syntax.DID, error) {
	if e.Err != "" {
		return "", decodeErr(e.Err)
	}
	if e.DID == nil {
		return "", errors.New("code flow error in redis identity directory")
	}
	return *e.DID, nil
}

func (d *RedisDirectory) updateDID(ctx context.Context, did syntax.DID) identityEntry {
	ident, err := d.Inner.LookupDID(ctx, did)
	// persist the identity lookup error, instead of processing it immediately
	entry := identityEntry{
		Updated:  time.Now(),
		Identity: ident,
	}
	ttl := d.HitTTL
	if err != nil {
		entry.Err = err.Error()
		ttl = d.ErrTTL
	}
	d.set(ctx, d.identityCache, "did", did.String(), entry, ttl)

	// if *not* an error, then also update the handle cache
	if err == nil && !ident.Handle.IsInvalidHandle() {
		he := handleEntry{
			Updated: time.Now(),
			DID:     &did,
		}
		d.set(ctx, d.handleCache, "handle", ident.Handle.String(), he, d.HitTTL)
	}
	return entry
}

func (d *RedisDirectory) LookupDID(ctx context.Context, did syntax.DID) (*identity.Identity, error) {
	var entry identityEntry
	err := d.identityCache.Get(ctx, redisDirPrefix+did.String(), &entry)
	if err != nil && err != cache.ErrCacheMiss {
		return nil, fmt.Errorf("identity cache read failed: %w", err)
	}
	if err == nil && !d.isIdentityStale(&entry) {
		identityCacheHits.Inc()
		return entry.result()
	}
	identityCacheMisses.Inc()

	v, _, _ := d.lookups.Do("did:"+did.String(), func() (any, error) {
		return d.updateDID(ctx, did), nil
	})
	newEntry := v.(identityEntry)
	return newEntry.result()
}

func (e *identityEntry) result() (*identity.Identity, error) {
	if e.Err != "" {
		return nil, decodeErr(e.Err)
	}
	if e.Identity == nil {
		return nil, errors.New("code flow error in redis identity directory")
	}
	return e.Identity, nil
}

func (d *RedisDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*identity.Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	ident, err := d.LookupDID(ctx, did)
	if err != nil {
		return nil, err
	}

	declared, err := ident.DeclaredHandle()
	if err != nil {
		return nil, err
	}
	if declared != h {
		return nil, fmt.Errorf("%w: %s != %s", identity.ErrHandleMismatch, declared, h)
	}
	return ident, nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, a syntax.AtIdentifier) (*identity.Identity, error) {
	handle, err := a.AsHandle()
	if err == nil { // if not an error, is a handle
		return d.LookupHandle(ctx, handle)
	}
	did, err := a.AsDID()
	if err == nil { // if not an error, is a DID
		return d.LookupDID(ctx, did)
	}
	return nil, errors.New("at-identifier neither a Handle nor a DID")
}

func (d *RedisDirectory) Purge(ctx context.Context, a syntax.AtIdentifier) error {
	handle, err := a.AsHandle()
	if err == nil { // if not an error, is a handle
		handle = handle.Normalize()
		err = d.handleCache.Delete(ctx, redisDirPrefix+handle.String())
		if err == cache.ErrCacheMiss {
			return nil
		}
		return err
	}
	did, err := a.AsDID()
	if err == nil { // if not an error, is a DID
		err = d.identityCache.Delete(ctx, redisDirPrefix+did.String())
		if err == cache.ErrCacheMiss {
			return nil
		}
		return err
	}
	return errors.New("at-identifier neither a Handle nor a DID")
}
