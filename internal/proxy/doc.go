// Package proxy streams allowed requests to their configured upstream.
//
// Upstream selection is SSRF-safe by construction: one reverse proxy is
// built per configured upstream at startup, and request handling only
// ever picks among them by name. Request input never contributes to a
// target URL.
//
// The package also carries the data-plane rate limiter: per-client
// token buckets held in an LRU cache, keyed by validated token ID or
// masked client IP.
package proxy
