package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth/gormstore"
	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth/redisstore"
	"github.com/bluesky-social/atp-oauth/internal/ticker"
	"github.com/bluesky-social/atp-oauth/util/cliutil"

	"github.com/redis/go-redis/v9"
)

// How often expired entries are removed from memory and SQL stores.
const cleanupInterval = 10 * time.Minute

// Storage backends selected by the store URL.
type Stores struct {
	Kind  string
	Store oauth.ClientAuthStore

	// set when the store is redis; also used for the shared identity cache
	Redis redis.UniversalClient

	// set for stores which don't expire entries on their own
	expirer oauth.ExpiredDeleter
	cancel  context.CancelFunc
}

// Picks a store implementation from a connection string: empty is in-memory, otherwise redis://, rediss://, postgres://, postgresql://, or sqlite://.
func openStores(ctx context.Context, storeURL string) (*Stores, error) {
	switch {
	case storeURL == "":
		ms := oauth.NewMemStore()
		return &Stores{Kind: "memory", Store: ms, expirer: ms}, nil
	case strings.HasPrefix(storeURL, "redis://") || strings.HasPrefix(storeURL, "rediss://"):
		opt, err := redis.ParseURL(storeURL)
		if err != nil {
			return nil, fmt.Errorf("could not configure redis client: %w", err)
		}
		rdb := redis.NewClient(opt)
		// check redis connection
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		return &Stores{Kind: "redis", Store: redisstore.NewRedisStoreWithClient(rdb, "atp-oauth"), Redis: rdb}, nil
	case strings.HasPrefix(storeURL, "postgres://") || strings.HasPrefix(storeURL, "postgresql://") || strings.HasPrefix(storeURL, "sqlite://"):
		db, err := cliutil.SetupDatabase(storeURL, 20)
		if err != nil {
			return nil, err
		}
		gs, err := gormstore.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		kind := "postgres"
		if strings.HasPrefix(storeURL, "sqlite://") {
			kind = "sqlite"
		}
		return &Stores{Kind: kind, Store: gs, expirer: gs}, nil
	default:
		return nil, fmt.Errorf("unsupported store URL scheme (expected redis, postgres, or sqlite)")
	}
}

// Periodically removes expired entries from memory and SQL stores. Redis expires keys on its own.
func (s *Stores) StartCleanup(ctx context.Context, logger *slog.Logger) {
	if s.expirer == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go ticker.Periodically(ctx, cleanupInterval, func(ctx context.Context) error {
		n, err := s.expirer.DeleteExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Debug("deleted expired OAuth store entries", "store", s.Kind, "count", n)
		}
		return nil
	}, func(err error) {
		logger.Warn("failed to delete expired OAuth store entries", "store", s.Kind, "err", err)
	})
}

func (s *Stores) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
}
