// ABOUTME: Prometheus counters for the data-plane rate limiter
// ABOUTME: Labelled by the rule's path pattern

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// rateLimitAllowed counts requests admitted by the rate limiter.
	rateLimitAllowed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satgate",
			Subsystem: "ratelimit",
			Name:      "allowed_total",
			Help:      "Total number of requests allowed by rate limiter",
		},
		[]string{"path_pattern"},
	)

	// rateLimitDenied counts requests refused by the rate limiter.
	rateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satgate",
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Total number of requests denied by rate limiter",
		},
		[]string{"path_pattern"},
	)

	// rateLimitCacheSize tracks the live limiter entry count.
	rateLimitCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "satgate",
			Subsystem: "ratelimit",
			Name:      "cache_size",
			Help:      "Current number of entries in the rate limiter cache",
		},
	)

	// rateLimitEvictions counts LRU cache evictions.
	rateLimitEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "satgate",
			Subsystem: "ratelimit",
			Name:      "evictions_total",
			Help:      "Total number of rate limiter cache evictions",
		},
	)
)
