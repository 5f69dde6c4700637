package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Wraps another Directory with an in-process LRU cache. Concurrent lookups of the same identifier are coalesced in to a single inner lookup.
type CacheDirectory struct {
	Inner            Directory
	ErrTTL           time.Duration
	InvalidHandleTTL time.Duration
	handleCache      *expirable.LRU[syntax.Handle, HandleEntry]
	identityCache    *expirable.LRU[syntax.DID, IdentityEntry]
	lookups          *singleflight.Group
}

type HandleEntry struct {
	Updated time.Time
	DID     syntax.DID
	Err     error
}

type IdentityEntry struct {
	Updated  time.Time
	Identity *Identity
	Err      error
}

var _ Directory = (*CacheDirectory)(nil)

// Capacity of zero means unlimited size. Similarly, ttl of zero means unlimited duration.
func NewCacheDirectory(inner Directory, capacity int, hitTTL, errTTL, invalidHandleTTL time.Duration) CacheDirectory {
	return CacheDirectory{
		ErrTTL:           errTTL,
		InvalidHandleTTL: invalidHandleTTL,
		Inner:            inner,
		handleCache:      expirable.NewLRU[syntax.Handle, HandleEntry](capacity, nil, hitTTL),
		identityCache:    expirable.NewLRU[syntax.DID, IdentityEntry](capacity, nil, hitTTL),
		lookups:          &singleflight.Group{},
	}
}

func (d *CacheDirectory) IsHandleStale(e *HandleEntry) bool {
	if e.Err != nil && time.Since(e.Updated) > d.ErrTTL {
		return true
	}
	return false
}

func (d *CacheDirectory) IsIdentityStale(e *IdentityEntry) bool {
	if e.Err != nil && time.Since(e.Updated) > d.ErrTTL {
		return true
	}
	if e.Identity != nil && e.Identity.Handle.IsInvalidHandle() && time.Since(e.Updated) > d.InvalidHandleTTL {
		return true
	}
	return false
}

func (d *CacheDirectory) updateHandle(ctx context.Context, h syntax.Handle) HandleEntry {
	ident, err := d.Inner.LookupHandle(ctx, h)
	if err != nil {
		he := HandleEntry{
			Updated: time.Now(),
			Err:     err,
		}
		d.handleCache.Add(h, he)
		return he
	}

	entry := IdentityEntry{
		Updated:  time.Now(),
		Identity: ident,
	}
	he := HandleEntry{
		Updated: time.Now(),
		DID:     ident.DID,
	}
	d.identityCache.Add(ident.DID, entry)
	d.handleCache.Add(h, he)
	return he
}

func (d *CacheDirectory) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	h = h.Normalize()
	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	entry, ok := d.handleCache.Get(h)
	if ok && !d.IsHandleStale(&entry) {
		handleCacheHits.Inc()
		return entry.DID, entry.Err
	}
	handleCacheMisses.Inc()

	v, _, shared := d.lookups.Do("handle:"+h.String(), func() (any, error) {
		return d.updateHandle(ctx, h), nil
	})
	if shared {
		handleRequestsCoalesced.Inc()
	}
	newEntry := v.(HandleEntry)
	if newEntry.Err != nil {
		return "", newEntry.Err
	}
	return newEntry.DID, nil
}

func (d *CacheDirectory) updateDID(ctx context.Context, did syntax.DID) IdentityEntry {
	ident, err := d.Inner.LookupDID(ctx, did)
	// persist the identity lookup error, instead of processing it immediately
	entry := IdentityEntry{
		Updated:  time.Now(),
		Identity: ident,
		Err:      err,
	}
	d.identityCache.Add(did, entry)
	// if *not* an error, then also update the handle cache
	if nil == err && !ident.Handle.IsInvalidHandle() {
		d.handleCache.Add(ident.Handle, HandleEntry{
			Updated: time.Now(),
			DID:     did,
		})
	}
	return entry
}

func (d *CacheDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	id, _, err := d.LookupDIDWithCacheState(ctx, did)
	return id, err
}

// Same as LookupDID, but also returns whether the result came from the cache.
func (d *CacheDirectory) LookupDIDWithCacheState(ctx context.Context, did syntax.DID) (*Identity, bool, error) {
	entry, ok := d.identityCache.Get(did)
	if ok && !d.IsIdentityStale(&entry) {
		identityCacheHits.Inc()
		return entry.Identity, true, entry.Err
	}
	identityCacheMisses.Inc()

	v, _, shared := d.lookups.Do("did:"+did.String(), func() (any, error) {
		return d.updateDID(ctx, did), nil
	})
	if shared {
		identityRequestsCoalesced.Inc()
	}
	newEntry := v.(IdentityEntry)
	if newEntry.Err != nil {
		return nil, false, newEntry.Err
	}
	if newEntry.Identity == nil {
		return nil, false, fmt.Errorf("unexpected control-flow error")
	}
	return newEntry.Identity, false, nil
}

func (d *CacheDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	ident, _, err := d.LookupDIDWithCacheState(ctx, did)
	if err != nil {
		return nil, err
	}

	declared, err := ident.DeclaredHandle()
	if err != nil {
		return nil, fmt.Errorf("could not verify handle/DID mapping: %w", err)
	}
	if declared != h {
		return nil, fmt.Errorf("%w: %s != %s", ErrHandleMismatch, declared, h)
	}
	return ident, nil
}

func (d *CacheDirectory) Lookup(ctx context.Context, a syntax.AtIdentifier) (*Identity, error) {
	handle, err := a.AsHandle()
	if nil == err { // if not an error, is a handle
		return d.LookupHandle(ctx, handle)
	}
	did, err := a.AsDID()
	if nil == err { // if not an error, is a DID
		return d.LookupDID(ctx, did)
	}
	return nil, fmt.Errorf("at-identifier neither a Handle nor a DID")
}

func (d *CacheDirectory) Purge(ctx context.Context, a syntax.AtIdentifier) error {
	handle, err := a.AsHandle()
	if nil == err { // if not an error, is a handle
		d.handleCache.Remove(handle.Normalize())
		return nil
	}
	did, err := a.AsDID()
	if nil == err { // if not an error, is a DID
		d.identityCache.Remove(did)
		return nil
	}
	return fmt.Errorf("at-identifier neither a Handle nor a DID")
}
