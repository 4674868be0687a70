// Package authgate is an authentication gateway that fronts an HTTP
// API with token-based authentication delegated to an external OpenID
// Connect identity provider.
//
// Two surfaces make up the gateway. The Orchestrator exchanges user
// credentials for provider-issued tokens, enriches them with userinfo,
// and optionally degrades to a locally signed development token when
// the provider is unreachable. The Handler wraps an application
// handler and gates every non-exempt request: it extracts the bearer
// token, validates signature, timing, issuer and audience against the
// provider's published signing keys, and attaches the validated claims
// to the request context for downstream handlers.
//
// Construction is explicit: callers wire an identity provider client
// (internal to this module, built from config), a JWKS cache, and a
// validator, typically via New. See examples/gateway for a complete
// program.
package authgate
