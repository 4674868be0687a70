package authgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudgauntlet/authgate/auth"
)

var (
	// errNoAuthorization marks a request with no credentials at all.
	errNoAuthorization = errors.New("no authorization header")
	// errWrongScheme marks a present but non-Bearer Authorization header.
	errWrongScheme = errors.New("authorization scheme is not Bearer")
	// errEmptyToken marks a Bearer header with nothing after the scheme.
	errEmptyToken = errors.New("empty bearer token")
)

// gateDecision is the pure part of the request gate: a function of the
// path and headers only, with no hidden state. It reports whether the
// path is exempt and, if not, extracts the bearer token or the reason
// none could be extracted.
func gateDecision(path string, header http.Header, exempt map[string]struct{}) (token string, skip bool, err error) {
	if _, ok := exempt[path]; ok {
		return "", true, nil
	}

	authHeader := header.Get("Authorization")
	if authHeader == "" {
		return "", false, errNoAuthorization
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", false, errWrongScheme
	}
	token = strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", false, errEmptyToken
	}
	return token, false, nil
}

// bearerChallenge builds a WWW-Authenticate Bearer challenge value.
// With no params it yields the bare challenge per RFC 6750 §3.1, which
// is all a credential-less request should see.
func bearerChallenge(realm string, params map[string]string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := make([]string, 0, 1+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

type claimsContextKey struct{}

// ClaimsFromContext returns the validated claims the gate attached to
// the request context. The second return is false on exempt paths and
// outside gated requests.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return c, ok
}

func withClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}
