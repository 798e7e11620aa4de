// Package meter enforces per-token call and budget quotas.
//
// Counters are keyed by token signature and live in a pluggable Store
// whose one primitive, Debit, atomically initializes a counter to its
// limit on first sight and then decrements it. Under N concurrent
// requests against a limit of K, exactly K debits succeed.
//
// Exhaustion is not an error: the route engine reacts to it by issuing
// a fresh payment challenge (L402 routes) or a 429 (capability routes).
package meter
