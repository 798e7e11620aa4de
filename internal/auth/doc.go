// ABOUTME: Operator authentication for the admin plane
// ABOUTME: HS256 JWTs carrying the operator name in the sub claim

// Package auth verifies operator credentials for admin endpoints.
//
// Admin requests carry a JWT in the Authorization header ("Bearer"
// scheme). Tokens are HS256 signed with the admin jwt_secret from the
// gateway config and identify the operator through the "sub" claim.
// The middleware attaches the verified operator to the request context
// so handlers can record who performed each action in the audit log.
//
// This plane is entirely separate from the data-plane macaroon tokens;
// an operator JWT grants nothing on proxied routes and a macaroon
// grants nothing here.
package auth
