// Package token issues and verifies HS256 access tokens for Relay.
//
// Tokens carry the user id in the standard "sub" claim. The websocket gateway and
// the REST API both verify them with the same Verifier.
//
// Environment:
//   - RELAY_TOKEN_HMAC_KEY: signing secret (>= MinKeyBytes bytes).
package token
