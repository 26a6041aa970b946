// Package auth provides the credential side of the streaming service: the
// Validator contract that turns a bearer token into an Identity (account id,
// token id and granted scopes), helpers to extract the token from one of the
// three places a client may put it, and a JWT validator for deployments that
// issue RFC 9068 access tokens.
//
// # Credential locations
//
// A client declares its credential in exactly one of:
//
//   - the WebSocket subprotocol (Sec-WebSocket-Protocol carries the token)
//   - an Authorization: Bearer header
//   - the access_token query parameter
//
// ExtractCredential returns the token and the location it came from. The
// location never affects validation: the same token yields the same Identity
// regardless of where it was presented.
//
// # Validators
//
// Opaque OAuth tokens are validated against the relational store by package
// pgtoken. Static service tokens are loaded from a file by package tokenfile.
// NewFromDiscovery and SecurityConfig.NewJWTValidator verify signed JWTs.
// All of them report rejected tokens with an error wrapping ErrUnauthorized.
//
// # Scopes
//
// Scopes.Has treats the umbrella "read" scope as granting every "read:*"
// scope, so a token holding "read" can stream notifications while one holding
// only "read:statuses" cannot.
package auth
