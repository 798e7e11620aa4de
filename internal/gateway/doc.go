// ABOUTME: Gateway orchestrator wiring stores, payments, policy, proxy
// ABOUTME: Runs the data-plane and admin-plane HTTP servers

// Package gateway assembles the running service.
//
// New builds every component from the loaded config: the SQLite store,
// the payment backend, the L402 challenge service, the metering
// engine, the route policy engine, the reverse proxy, and the rate
// limiter. Run starts two HTTP listeners, one for proxied traffic and
// one for the operator API, and blocks until the context is canceled
// or a listener fails.
package gateway
