// Package idp implements the outbound protocol client for the external
// identity provider: password-grant token exchange, userinfo lookup,
// and JWKS retrieval against Keycloak-shaped OpenID Connect endpoints.
//
// The client performs no retries and holds no state beyond connection
// configuration; retry and fallback policy belong to the orchestrator.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/oauth2"

	"github.com/cloudgauntlet/authgate/auth"
)

// DefaultTimeout bounds every outbound call to the identity provider.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an upstream error body is carried in
// wrapped errors.
const maxErrorBody = 2 << 10

// Config describes a Keycloak-style realm without discovery. Endpoint
// paths follow the openid-connect protocol layout.
type Config struct {
	// BaseURL is the identity provider origin, e.g. "http://keycloak.local:8080".
	BaseURL string
	// Realm names the Keycloak realm.
	Realm string
	// ClientID identifies this gateway at the provider.
	ClientID string
	// ClientSecret is empty for public clients.
	ClientSecret string
}

// Client executes the three outbound protocol calls. Safe for
// concurrent use.
type Client struct {
	http   *http.Client
	log    *slog.Logger
	realm  string
	issuer string

	tokenURL    string
	userInfoURL string
	jwksURL     string

	clientID     string
	clientSecret string
}

// Option configures optional aspects of the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (timeout included).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a client from a static realm configuration, deriving the
// token, userinfo and certs endpoints from the Keycloak path layout.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("idp: base url is required")
	}
	if cfg.Realm == "" {
		return nil, errors.New("idp: realm is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("idp: client id is required")
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	issuer := fmt.Sprintf("%s/realms/%s", base, cfg.Realm)
	c := &Client{
		http:         &http.Client{Timeout: DefaultTimeout},
		log:          slog.Default(),
		realm:        cfg.Realm,
		issuer:       issuer,
		tokenURL:     issuer + "/protocol/openid-connect/token",
		userInfoURL:  issuer + "/protocol/openid-connect/userinfo",
		jwksURL:      issuer + "/protocol/openid-connect/certs",
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromDiscovery resolves the provider's endpoints via OpenID Connect
// discovery instead of assuming the Keycloak path layout. The issuer's
// /.well-known/openid-configuration document must advertise the token,
// userinfo and jwks endpoints.
func NewFromDiscovery(ctx context.Context, issuer, clientID, clientSecret string, opts ...Option) (*Client, error) {
	if issuer == "" {
		return nil, errors.New("idp: issuer is required")
	}
	if clientID == "" {
		return nil, errors.New("idp: client id is required")
	}
	c := &Client{
		http:         &http.Client{Timeout: DefaultTimeout},
		log:          slog.Default(),
		issuer:       strings.TrimSuffix(issuer, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
	for _, opt := range opts {
		opt(c)
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.http), c.issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: oidc discovery failed: %v", auth.ErrTransport, err)
	}
	var meta struct {
		TokenEndpoint    string `json:"token_endpoint"`
		UserInfoEndpoint string `json:"userinfo_endpoint"`
		JwksURI          string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("idp: invalid discovery metadata: %w", err)
	}
	missing := []string{}
	if meta.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if meta.UserInfoEndpoint == "" {
		missing = append(missing, "userinfo_endpoint")
	}
	if meta.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("idp: discovery incomplete: missing %s", strings.Join(missing, ", "))
	}
	c.tokenURL = meta.TokenEndpoint
	c.userInfoURL = meta.UserInfoEndpoint
	c.jwksURL = meta.JwksURI

	// Keycloak issuers end with /realms/{realm}; keep the last path
	// segment as the realm label for logging and cache keying.
	if i := strings.LastIndex(c.issuer, "/"); i >= 0 {
		c.realm = c.issuer[i+1:]
	}
	return c, nil
}

// Issuer returns the expected "iss" value for tokens minted by this
// provider.
func (c *Client) Issuer() string { return c.issuer }

// Realm returns the realm label used for cache keying and logging.
func (c *Client) Realm() string { return c.realm }

// ExchangeCredentials performs a resource-owner-password-credentials
// grant against the provider's token endpoint.
func (c *Client) ExchangeCredentials(ctx context.Context, username, password string) (*auth.TokenResponse, error) {
	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	tok, err := conf.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			body := rerr.Body
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			return nil, fmt.Errorf("%w: token endpoint returned %d: %s",
				auth.ErrUpstreamRejected, rerr.Response.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("%w: token exchange: %v", auth.ErrTransport, err)
	}

	resp := &auth.TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if v, ok := tok.Extra("expires_in").(float64); ok {
		resp.ExpiresIn = int64(v)
	} else if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	c.log.DebugContext(ctx, "idp.exchange.ok", slog.String("realm", c.realm))
	return resp, nil
}

// userInfoResponse mirrors the provider's userinfo payload.
type userInfoResponse struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
}

// FetchUserInfo calls the userinfo endpoint with the access token as a
// bearer credential and derives an identity view from the response.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (*auth.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("idp: build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	var ui userInfoResponse
	if err := c.getJSON(req, &ui); err != nil {
		return nil, err
	}
	if ui.Sub == "" {
		return nil, fmt.Errorf("%w: userinfo response missing sub", auth.ErrUpstreamRejected)
	}

	username := ui.PreferredUsername
	if username == "" {
		username = ui.Sub
	}
	display := ui.Name
	if display == "" && (ui.GivenName != "" || ui.FamilyName != "") {
		display = strings.TrimSpace(ui.GivenName + " " + ui.FamilyName)
	}
	return &auth.Identity{
		Subject:     ui.Sub,
		Username:    username,
		Email:       ui.Email,
		DisplayName: display,
		Source:      auth.IdentitySourceUserInfo,
	}, nil
}

// FetchSigningKeys retrieves the provider's published JWKS. The call is
// unauthenticated.
func (c *Client) FetchSigningKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("idp: build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var set jose.JSONWebKeySet
	if err := c.getJSON(req, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// getJSON executes req, maps failures onto the error taxonomy, and
// decodes a 2xx JSON body into out.
func (c *Client) getJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", auth.ErrTransport, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", auth.ErrTransport, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("%w: %s returned %d: %s",
			auth.ErrUpstreamRejected, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", auth.ErrUpstreamRejected, req.URL.Path, err)
	}
	return nil
}
