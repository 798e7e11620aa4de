// Package lightning abstracts the payment backend behind a small
// capability interface: create an invoice, check whether it settled,
// report backend health. Request-handling code only ever sees the
// interface; the concrete backend (LNBits, LND REST, or the built-in
// fake) is selected once from configuration at startup.
package lightning
