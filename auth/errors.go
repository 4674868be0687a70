package auth

import "errors"

// Recoverable upstream failures. These drive the orchestrator's
// fallback chain and may be retried a bounded number of times.
var (
	// ErrTransport indicates the identity provider could not be reached
	// (network failure, timeout, cancelled context).
	ErrTransport = errors.New("auth: identity provider unreachable")

	// ErrUpstreamRejected indicates the identity provider answered with a
	// non-2xx status. The wrapped message carries the provider's error
	// body for diagnostics.
	ErrUpstreamRejected = errors.New("auth: identity provider rejected request")
)

// Terminal validation failures. Deterministic for a given token and key
// set; never retried, always surfaced to clients as a generic
// unauthenticated response.
var (
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrExpired          = errors.New("auth: token expired")
	ErrNotYetValid      = errors.New("auth: token not yet valid")
	ErrIssuerMismatch   = errors.New("auth: issuer mismatch")
	ErrAudienceMismatch = errors.New("auth: audience mismatch")
	ErrKeyNotFound      = errors.New("auth: signing key not found")
)

// ErrInvalidCredentials indicates a credential check failed, either at
// the identity provider or against the local development accounts.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")
