// ABOUTME: Admin-plane HTTP API for bans, stats, audit, and token minting
// ABOUTME: Every mutation is attributed to an operator and audit logged

// Package admin implements the operator-facing HTTP API.
//
// The admin plane listens on its own address, separate from the data
// plane, and is guarded by the auth package's JWT middleware. It
// exposes ban management, gateway stats, an NDJSON audit export, and
// administrative minting of capability tokens that bypass payment.
//
// Handlers never touch the proxy path; banning a signature takes
// effect on the data plane through the shared ban store.
package admin
