package auth

import "errors"

var (
	// ErrMissingCredentials is returned when a request omits user, token or name.
	ErrMissingCredentials = errors.New("auth: missing credentials")

	// ErrChallengeNotFound is returned when no pending challenge matches the request id.
	ErrChallengeNotFound = errors.New("auth: login request not found")

	// ErrUnauthorized is returned when no authorized key verifies the login token.
	ErrUnauthorized = errors.New("auth: not authorized")

	// ErrKeyFileUnreadable is returned when the authorized keys file cannot be read.
	ErrKeyFileUnreadable = errors.New("auth: could not read authorized keys")

	// ErrBadSignature is returned when a token was not signed with the server secret.
	ErrBadSignature = errors.New("auth: invalid token signature")

	// ErrMalformedClaims is returned when a token cannot be decoded into claims.
	ErrMalformedClaims = errors.New("auth: malformed token claims")

	// ErrTokenRevokedOrUnknown is returned for deploy tokens without a registry record.
	ErrTokenRevokedOrUnknown = errors.New("auth: deploy token revoked or unknown")

	// ErrTokenExpired is returned when a session token is past its exp claim.
	ErrTokenExpired = errors.New("auth: token expired")
)
