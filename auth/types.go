package auth

// Credentials is a transient username/password pair. It exists only for
// the duration of a login call and must never be persisted or logged.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is the token material returned by a successful
// credential exchange. Immutable after construction.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// IdentitySource records where an Identity was derived from.
type IdentitySource string

const (
	// IdentitySourceUserInfo marks an identity built from the identity
	// provider's userinfo response.
	IdentitySourceUserInfo IdentitySource = "userinfo"
	// IdentitySourceSynthesized marks an identity synthesized from the
	// submitted username after userinfo enrichment failed.
	IdentitySourceSynthesized IdentitySource = "synthesized"
	// IdentitySourceLocal marks an identity produced by the local
	// development fallback.
	IdentitySourceLocal IdentitySource = "local"
)

// Identity is a per-request view of the authenticated principal. It is
// derived from a token or an IdP response and is never a source of
// truth; nothing stores it.
type Identity struct {
	Subject     string         `json:"subject"`
	Username    string         `json:"username"`
	Email       string         `json:"email,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Source      IdentitySource `json:"source"`
}
