// Package route matches requests to configured routes and dispatches
// their policies.
//
// Matching is an ordered scan over the configured route table; the
// first route whose method set and path predicate both match wins, and
// no match is a synthetic deny. Dispatch is an exhaustive switch over
// the closed policy set (public, deny, l402, capability); anything the
// switch does not recognize is rejected, so the fail-closed default is
// structural rather than a convention.
//
// The engine produces a Decision without performing any proxying; the
// same decision logic backs both the data-plane proxy handler and the
// standalone /auth/decide endpoint.
package route
