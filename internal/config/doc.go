// Package config loads and validates the satgate gateway configuration.
//
// Configuration is a single YAML file with ${ENV_VAR} expansion, read
// once at startup. It declares the upstreams a request may ever be
// proxied to, the ordered route table with one policy per route, the
// L402 settings (payment backend, root key, pricing tiers), metering
// and rate-limit settings, and the two listener addresses.
//
// Validation is strict and startup-fatal: the gateway refuses to serve
// traffic on any validation failure. Routes are the only authorization
// surface, so a config that cannot be fully trusted is not served.
package config
