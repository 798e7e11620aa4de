// Package store provides satgate's persistence: the revocation ban
// list, the append-only audit log, issued invoice records, and the
// SQLite metering counter backend.
//
// The ban list deliberately holds only banned signatures, never the
// full token population, so lookups stay O(1)-ish no matter how many
// tokens have ever been issued. That is the trade-off that keeps token
// validation stateless while still supporting an emergency kill switch.
package store
