package auth

// DecisionStatus enumerates the terminal outcomes of an authentication
// attempt.
type DecisionStatus string

const (
	// StatusAuthenticated means the caller holds a usable token and
	// identity (or validated claims).
	StatusAuthenticated DecisionStatus = "authenticated"
	// StatusRejected means the credentials or token were examined and
	// refused.
	StatusRejected DecisionStatus = "rejected"
	// StatusUnavailable means no authority could be consulted; the
	// caller may retry later.
	StatusUnavailable DecisionStatus = "unavailable"
)

// Decision is the terminal outcome of the orchestrator or the request
// gate. A Decision is only obtainable through its constructors, so
// callers never observe a partially built value.
type Decision struct {
	status   DecisionStatus
	token    *TokenResponse
	identity *Identity
	claims   *Claims
	reason   error
}

// Authenticated builds a success decision carrying the issued token and
// the derived identity.
func Authenticated(token *TokenResponse, identity *Identity) Decision {
	return Decision{status: StatusAuthenticated, token: token, identity: identity}
}

// AuthenticatedClaims builds a success decision from validated claims,
// as produced by the request gate.
func AuthenticatedClaims(claims *Claims) Decision {
	return Decision{status: StatusAuthenticated, claims: claims, identity: claims.Identity()}
}

// Rejected builds a terminal refusal carrying the internal reason. The
// reason is for logging only and must not be exposed to clients.
func Rejected(reason error) Decision {
	return Decision{status: StatusRejected, reason: reason}
}

// Unavailable builds a terminal outcome for the case where no identity
// authority was reachable.
func Unavailable(reason error) Decision {
	return Decision{status: StatusUnavailable, reason: reason}
}

// Status returns the terminal outcome kind.
func (d Decision) Status() DecisionStatus { return d.status }

// Authenticated reports whether the decision is a success.
func (d Decision) Authenticated() bool { return d.status == StatusAuthenticated }

// Token returns the issued token for authenticated decisions, nil
// otherwise.
func (d Decision) Token() *TokenResponse { return d.token }

// Identity returns the derived identity for authenticated decisions,
// nil otherwise.
func (d Decision) Identity() *Identity { return d.identity }

// Claims returns the validated claims when the decision came from token
// validation, nil otherwise.
func (d Decision) Claims() *Claims { return d.claims }

// Reason returns the internal failure cause for rejected or unavailable
// decisions. Never surface it in a response body.
func (d Decision) Reason() error { return d.reason }
