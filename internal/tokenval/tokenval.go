// Package tokenval verifies bearer tokens: signature, algorithm,
// timing, issuer and audience, in a fixed order that short-circuits on
// the first failure. Successful validation yields the structured
// claims payload; there is no partial success.
package tokenval

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudgauntlet/authgate/auth"
)

// DefaultLeeway is the clock-skew tolerance for exp and iat checks.
const DefaultLeeway = 60 * time.Second

// allowedAlg is the single accepted signing algorithm. The token's own
// alg header is never trusted to pick anything else; in particular
// "none" and HMAC downgrades are rejected before any key is consulted.
const allowedAlg = "RS256"

// KeySource resolves a key id (possibly empty) to a verification key.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Validator checks tokens against one expected issuer and audience.
// Safe for concurrent use.
type Validator struct {
	issuer   string
	audience string
	leeway   time.Duration
	keys     KeySource
	now      func() time.Time
}

// Option configures optional validator behavior.
type Option func(*Validator)

// WithLeeway overrides the clock-skew tolerance.
func WithLeeway(d time.Duration) Option {
	return func(v *Validator) { v.leeway = d }
}

// withClock is used by tests to pin the validation time.
func withClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New builds a validator. issuer and audience are compared exactly
// against the token's iss and aud claims.
func New(issuer, audience string, keys KeySource, opts ...Option) *Validator {
	v := &Validator{
		issuer:   issuer,
		audience: audience,
		leeway:   DefaultLeeway,
		keys:     keys,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// header is the subset of the JOSE header the validator inspects before
// any signature work.
type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Validate runs the full check sequence and returns the claims on
// success. Failures map onto the auth error taxonomy and are
// deterministic for a given token and key set.
func (v *Validator) Validate(ctx context.Context, token string) (*auth.Claims, error) {
	hdr, err := parseHeader(token)
	if err != nil {
		return nil, err
	}
	if hdr.Alg != allowedAlg {
		return nil, fmt.Errorf("%w: algorithm %q not allowed", auth.ErrInvalidSignature, hdr.Alg)
	}

	key, err := v.keys.Key(ctx, hdr.Kid)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{allowedAlg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	raw := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, raw, func(t *jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, mapParseError(err)
	}

	now := v.now()
	iat, ok := raw["iat"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing iat", auth.ErrMalformedToken)
	}
	if issued := time.Unix(int64(iat), 0); issued.After(now.Add(v.leeway)) {
		return nil, fmt.Errorf("%w: issued at %s", auth.ErrNotYetValid, issued.UTC().Format(time.RFC3339))
	}

	iss, _ := raw["iss"].(string)
	if iss == "" {
		return nil, fmt.Errorf("%w: missing iss", auth.ErrMalformedToken)
	}
	if iss != v.issuer {
		return nil, fmt.Errorf("%w: got %q", auth.ErrIssuerMismatch, iss)
	}

	if _, present := raw["aud"]; !present {
		return nil, fmt.Errorf("%w: missing aud", auth.ErrMalformedToken)
	}

	claims, err := decodeClaims(raw)
	if err != nil {
		return nil, err
	}
	if !claims.Audience.Contains(v.audience) {
		return nil, fmt.Errorf("%w: token audience %v", auth.ErrAudienceMismatch, []string(claims.Audience))
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrMalformedToken)
	}
	return claims, nil
}

// parseHeader decodes the JOSE header without verifying anything else.
func parseHeader(token string) (*header, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected three segments", auth.ErrMalformedToken)
	}
	b, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header not base64url: %v", auth.ErrMalformedToken, err)
	}
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("%w: header not JSON: %v", auth.ErrMalformedToken, err)
	}
	if h.Alg == "" {
		return nil, fmt.Errorf("%w: header missing alg", auth.ErrMalformedToken)
	}
	return &h, nil
}

// mapParseError translates golang-jwt parse failures onto the taxonomy.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", auth.ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", auth.ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", auth.ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", auth.ErrNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", auth.ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", auth.ErrMalformedToken, err)
	}
}

// decodeClaims converts the raw claim map into the typed structure.
// Unknown fields are dropped; required fields are enforced by the
// caller.
func decodeClaims(raw jwt.MapClaims) (*auth.Claims, error) {
	b, err := json.Marshal(map[string]any(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: claims not serializable: %v", auth.ErrMalformedToken, err)
	}
	var c auth.Claims
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: claims decode: %v", auth.ErrMalformedToken, err)
	}
	return &c, nil
}
