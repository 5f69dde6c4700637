package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var keysLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "atproto_oauth_client_keys_loaded",
	Help: "Number of OAuth client signing keys loaded at startup",
})

var authorizeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_authorize_requests",
	Help: "OAuth login flows started, by outcome",
}, []string{"status"})

var callbackRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_callback_requests",
	Help: "OAuth callbacks processed, by outcome",
}, []string{"status"})

var authServerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atproto_oauth_authserver_request_duration",
	Help:    "Time for requests to OAuth authorization servers",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 30, 20),
}, []string{"endpoint", "status"})
