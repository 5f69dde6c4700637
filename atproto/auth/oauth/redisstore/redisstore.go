// Redis-backed implementation of the OAuth client auth store, for deployments with multiple web app instances.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"github.com/redis/go-redis/v9"
)

// Stores auth requests and sessions as JSON strings under a shared key prefix. Expiry uses native Redis key TTLs.
type RedisStore struct {
	Client redis.UniversalClient
	Prefix string
}

var _ oauth.ClientAuthStore = (*RedisStore)(nil)

// Connects to the Redis server at redisURL (eg, "redis://localhost:6379/0"), and checks the connection.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis client: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(rdb, prefix), nil
}

func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "atp-oauth"
	}
	return &RedisStore{Client: client, Prefix: prefix}
}

func (s *RedisStore) requestKey(state string) string {
	return s.Prefix + "/authreq/" + state
}

func (s *RedisStore) sessionKey(did syntax.DID) string {
	return s.Prefix + "/session/" + did.String()
}

// A TTL of zero means the key never expires, which matches the store contract.
func (s *RedisStore) set(ctx context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.Client.Set(ctx, key, b, ttl).Err()
}

func (s *RedisStore) SaveAuthRequest(ctx context.Context, info oauth.AuthRequestData, ttl time.Duration) error {
	if info.State == "" {
		return fmt.Errorf("auth request missing state")
	}
	if err := s.set(ctx, s.requestKey(info.State), info, ttl); err != nil {
		return fmt.Errorf("saving auth request: %w", err)
	}
	return nil
}

func (s *RedisStore) GetAuthRequest(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	b, err := s.Client.Get(ctx, s.requestKey(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrAuthRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading auth request: %w", err)
	}
	var info oauth.AuthRequestData
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("decoding auth request: %w", err)
	}
	return &info, nil
}

func (s *RedisStore) DeleteAuthRequest(ctx context.Context, state string) error {
	return s.Client.Del(ctx, s.requestKey(state)).Err()
}

// Uses GETDEL, so at most one caller ever receives a given auth request.
func (s *RedisStore) TakeAuthRequest(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	b, err := s.Client.GetDel(ctx, s.requestKey(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrAuthRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking auth request: %w", err)
	}
	var info oauth.AuthRequestData
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("decoding auth request: %w", err)
	}
	return &info, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, sess oauth.SessionData, ttl time.Duration) error {
	if sess.AccountDID == "" {
		return fmt.Errorf("session missing account DID")
	}
	if err := s.set(ctx, s.sessionKey(sess.AccountDID), sess, ttl); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, did syntax.DID) (*oauth.SessionData, error) {
	b, err := s.Client.Get(ctx, s.sessionKey(did)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var sess oauth.SessionData
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, did syntax.DID) error {
	return s.Client.Del(ctx, s.sessionKey(did)).Err()
}
