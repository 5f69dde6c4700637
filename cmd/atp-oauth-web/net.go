package main

import (
	"net/http"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/identity"
	"github.com/bluesky-social/atp-oauth/atproto/identity/redisdir"
	"github.com/bluesky-social/atp-oauth/pkg/robusthttp"
	"github.com/bluesky-social/atp-oauth/util/ssrf"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Outbound network settings shared by identity resolution and OAuth requests.
type NetConfig struct {
	PLCHost           string
	PLCRateLimit      int
	AllowPrivateHosts bool
	RequestTimeout    time.Duration
	UserAgent         string
}

func (nc NetConfig) transport() http.RoundTripper {
	if nc.AllowPrivateHosts {
		return otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	}
	return otelhttp.NewTransport(ssrf.PublicOnlyTransport())
}

// Client for identity and auth server discovery (GETs only), with retries.
func discoveryHTTPClient(nc NetConfig) *http.Client {
	return robusthttp.NewClient(
		robusthttp.WithTransport(nc.transport()),
		robusthttp.WithRetryPolicy(robusthttp.NoInternalServerErrorPolicy),
		robusthttp.WithMaxRetries(2),
		robusthttp.WithTimeout(10*time.Second),
		robusthttp.WithUserAgent(nc.UserAgent),
	)
}

// Client for PAR and token requests. These are never retried: authorization codes are single-use, and DPoP nonce retries are handled by the OAuth client itself.
func oauthHTTPClient(nc NetConfig) *http.Client {
	return robusthttp.NewClient(
		robusthttp.WithTransport(nc.transport()),
		robusthttp.WithMaxRetries(0),
		robusthttp.WithTimeout(nc.RequestTimeout),
		robusthttp.WithUserAgent(nc.UserAgent),
	)
}

// Builds the identity directory: live resolution, behind a redis cache (shared between instances) if a redis client is available, or an in-process cache otherwise.
func buildDirectory(nc NetConfig, rdb redis.UniversalClient) identity.Directory {
	baseDir := identity.BaseDirectory{
		PLCURL:                nc.PLCHost,
		HTTPClient:            discoveryHTTPClient(nc),
		SkipDNSDomainSuffixes: []string{".bsky.social"},
		UserAgent:             nc.UserAgent,
	}
	if nc.PLCRateLimit > 0 {
		baseDir.PLCLimiter = rate.NewLimiter(rate.Limit(nc.PLCRateLimit), 1)
	}

	// TODO: make cache TTLs configurable
	if rdb != nil {
		return redisdir.NewRedisDirectoryWithClient(&baseDir, rdb, time.Hour*24, time.Minute*2, time.Minute*5, 10_000)
	}
	dir := identity.NewCacheDirectory(&baseDir, 250_000, time.Hour*24, time.Minute*2, time.Minute*5)
	return &dir
}
