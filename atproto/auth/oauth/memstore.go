package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/syntax"
)

// Simple in-memory implementation of [ClientAuthStore], for use in development and single-process deployments.
//
// All users are logged-out every time the process is restarted. Expired entries are dropped on access, and swept from the whole store on insert at most once per SweepInterval. DeleteExpired sweeps on demand.
type MemStore struct {
	// Minimum time between sweeps triggered by inserts
	SweepInterval time.Duration

	requests  map[string]memEntry[AuthRequestData]
	sessions  map[syntax.DID]memEntry[SessionData]
	lastSweep time.Time

	lk sync.Mutex
}

type memEntry[T any] struct {
	val     T
	expires time.Time
}

func (e memEntry[T]) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

var _ ClientAuthStore = &MemStore{}
var _ ExpiredDeleter = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		SweepInterval: time.Minute,
		requests:      make(map[string]memEntry[AuthRequestData]),
		sessions:      make(map[syntax.DID]memEntry[SessionData]),
	}
}

// Removes all expired entries. Caller must hold the lock.
func (m *MemStore) sweep(now time.Time) int64 {
	var n int64
	for state, e := range m.requests {
		if e.expired(now) {
			delete(m.requests, state)
			n++
		}
	}
	for did, e := range m.sessions {
		if e.expired(now) {
			delete(m.sessions, did)
			n++
		}
	}
	m.lastSweep = now
	return n
}

// Sweeps if the last sweep is older than SweepInterval. Caller must hold the lock.
func (m *MemStore) maybeSweep(now time.Time) {
	if now.Sub(m.lastSweep) >= m.SweepInterval {
		m.sweep(now)
	}
}

// Removes all expired auth requests and sessions, returning how many were dropped.
func (m *MemStore) DeleteExpired(ctx context.Context) (int64, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	return m.sweep(time.Now()), nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemStore) SaveAuthRequest(ctx context.Context, info AuthRequestData, ttl time.Duration) error {
	if info.State == "" {
		return fmt.Errorf("auth request missing state")
	}
	m.lk.Lock()
	defer m.lk.Unlock()

	m.maybeSweep(time.Now())
	m.requests[info.State] = memEntry[AuthRequestData]{val: info, expires: expiry(ttl)}
	return nil
}

func (m *MemStore) GetAuthRequest(ctx context.Context, state string) (*AuthRequestData, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	e, ok := m.requests[state]
	if !ok {
		return nil, ErrAuthRequestNotFound
	}
	if e.expired(time.Now()) {
		delete(m.requests, state)
		return nil, ErrAuthRequestNotFound
	}
	return &e.val, nil
}

func (m *MemStore) DeleteAuthRequest(ctx context.Context, state string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.requests, state)
	return nil
}

func (m *MemStore) TakeAuthRequest(ctx context.Context, state string) (*AuthRequestData, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	e, ok := m.requests[state]
	if !ok {
		return nil, ErrAuthRequestNotFound
	}
	delete(m.requests, state)
	if e.expired(time.Now()) {
		return nil, ErrAuthRequestNotFound
	}
	return &e.val, nil
}

func (m *MemStore) SaveSession(ctx context.Context, sess SessionData, ttl time.Duration) error {
	if sess.AccountDID == "" {
		return fmt.Errorf("session missing account DID")
	}
	m.lk.Lock()
	defer m.lk.Unlock()

	m.maybeSweep(time.Now())
	m.sessions[sess.AccountDID] = memEntry[SessionData]{val: sess, expires: expiry(ttl)}
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, did syntax.DID) (*SessionData, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	e, ok := m.sessions[did]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if e.expired(time.Now()) {
		delete(m.sessions, did)
		return nil, ErrSessionNotFound
	}
	return &e.val, nil
}

func (m *MemStore) DeleteSession(ctx context.Context, did syntax.DID) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.sessions, did)
	return nil
}
