package auth

import (
	"encoding/json"
	"fmt"
)

// Audience is the "aud" claim, which providers serialize either as a
// single string or as an array of strings.
type Audience []string

// UnmarshalJSON accepts both the string and array encodings.
func (a *Audience) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("audience must be a string or array of strings: %w", err)
	}
	*a = Audience(many)
	return nil
}

// Contains reports whether the audience includes want.
func (a Audience) Contains(want string) bool {
	for _, s := range a {
		if s == want {
			return true
		}
	}
	return false
}

// RoleSet carries the role list nested inside realm_access and
// resource_access claims.
type RoleSet struct {
	Roles []string `json:"roles"`
}

// Claims is the structured payload of a validated access token. It is
// produced only by successful validation; the role sets are preserved
// verbatim for downstream policy decisions, which this package does not
// make.
type Claims struct {
	Subject   string   `json:"sub"`
	Issuer    string   `json:"iss"`
	Audience  Audience `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	AuthTime  int64    `json:"auth_time,omitempty"`

	SessionID    string `json:"sid,omitempty"`
	SessionState string `json:"session_state,omitempty"`
	ACR          string `json:"acr,omitempty"`
	Scope        string `json:"scope,omitempty"`

	RealmAccess    RoleSet            `json:"realm_access,omitempty"`
	ResourceAccess map[string]RoleSet `json:"resource_access,omitempty"`

	EmailVerified     *bool  `json:"email_verified,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	Email             string `json:"email,omitempty"`
}

// Identity derives the request-scoped identity view from the claims.
func (c *Claims) Identity() *Identity {
	username := c.PreferredUsername
	if username == "" {
		username = c.Subject
	}
	return &Identity{
		Subject:     c.Subject,
		Username:    username,
		Email:       c.Email,
		DisplayName: c.Name,
		Source:      IdentitySourceUserInfo,
	}
}
