// Package auth defines the shared vocabulary of the authentication
// gateway: credentials, token responses, identities, validated claims,
// terminal decisions, and the error taxonomy used across the token
// lifecycle.
//
// The package deliberately contains no I/O. Outbound identity provider
// calls live in internal/idp, key management in internal/jwks, and
// token verification in internal/tokenval; all of them speak in terms
// of the types declared here.
//
// # Errors
//
// Failures are classified by sentinel errors so callers can branch with
// errors.Is without parsing messages. ErrTransport and
// ErrUpstreamRejected are recoverable (they drive the orchestrator's
// fallback chain); the validation errors (ErrMalformedToken through
// ErrKeyNotFound) are terminal and are never retried, since they are
// deterministic for a given token and key set.
package auth
