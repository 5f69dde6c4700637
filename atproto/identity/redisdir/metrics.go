package redisdir

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_redis_directory_handle_cache_hits",
	Help: "Number of cache hits for ATProto handle lookups",
})

var handleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_redis_directory_handle_cache_misses",
	Help: "Number of cache misses for ATProto handle lookups",
})

var identityCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_redis_directory_identity_cache_hits",
	Help: "Number of cache hits for ATProto identity lookups",
})

var identityCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_redis_directory_identity_cache_misses",
	Help: "Number of cache misses for ATProto identity lookups",
})

var cacheWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_redis_directory_write_errors",
	Help: "Number of failed writes to the Redis identity cache",
}, []string{"cache"})
