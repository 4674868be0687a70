package authgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudgauntlet/authgate/auth"
	"github.com/cloudgauntlet/authgate/internal/localauth"
	"github.com/cloudgauntlet/authgate/internal/ratelimit"
	"github.com/cloudgauntlet/authgate/internal/tokenval"
)

// stubValidator scripts the gate's token validation.
type stubValidator struct {
	claims *auth.Claims
	err    error
}

func (s stubValidator) Validate(ctx context.Context, token string) (*auth.Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

type nextRecorder struct {
	called bool
	claims *auth.Claims
	hasCl  bool
}

func (n *nextRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.called = true
		n.claims, n.hasCl = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("app"))
	})
}

func validClaims() *auth.Claims {
	return &auth.Claims{
		Subject:           "f3a1",
		Issuer:            "http://keycloak.local:8080/realms/gauntlet",
		Audience:          auth.Audience{"gauntlet-api"},
		PreferredUsername: "alice",
	}
}

func newTestHandler(t *testing.T, v TokenValidator, next http.Handler, opts ...HandlerOption) *Handler {
	t.Helper()
	orch := NewOrchestrator(&fakeIdP{
		token:    idpToken(),
		identity: &auth.Identity{Subject: "f3a1", Username: "alice", Source: auth.IdentitySourceUserInfo},
	})
	return NewHandler(orch, v, next, opts...)
}

func TestGateHealthBypassesAuth(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{err: auth.ErrMalformedToken}, next.handler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body != "OK" {
		t.Fatalf("body = %q", body)
	}
	if next.called {
		t.Fatalf("health must be served by the gateway, not the app")
	}
}

func TestGateMissingHeader(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{claims: validClaims()}, next.handler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if next.called {
		t.Fatalf("unauthenticated request must not reach the app")
	}
	// Credential-less requests get the bare challenge with no error code.
	ch := rec.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(ch, "Bearer") {
		t.Fatalf("WWW-Authenticate = %q", ch)
	}
	if strings.Contains(ch, "error=") {
		t.Fatalf("bare challenge must carry no error code, got %q", ch)
	}
}

func TestGateNonBearerScheme(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{claims: validClaims()}, next.handler())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("Authorization", "Basic YWxpY2U6czNjcmV0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if next.called {
		t.Fatalf("non-bearer request must not reach the app")
	}
	if ch := rec.Header().Get("WWW-Authenticate"); !strings.Contains(ch, `error="invalid_request"`) {
		t.Fatalf("WWW-Authenticate = %q", ch)
	}
}

func TestGateInvalidTokenHidesInternals(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{err: fmt.Errorf("%w: key 9c2f not in set", auth.ErrKeyNotFound)}, next.handler())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("Authorization", "Bearer some.jwt.token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if next.called {
		t.Fatalf("invalid token must not reach the app")
	}
	ch := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(ch, `error="invalid_token"`) {
		t.Fatalf("WWW-Authenticate = %q", ch)
	}
	// Validation internals stay out of the response.
	if strings.Contains(ch, "9c2f") || strings.Contains(rec.Body.String(), "9c2f") {
		t.Fatalf("response leaked validation internals: %q %q", ch, rec.Body.String())
	}
}

func TestGateValidTokenReachesApp(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{claims: validClaims()}, next.handler())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("Authorization", "Bearer some.jwt.token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !next.called {
		t.Fatalf("app handler not reached")
	}
	if !next.hasCl || next.claims.Subject != "f3a1" {
		t.Fatalf("claims not attached to context: %+v", next.claims)
	}
}

func TestGateExemptPath(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{err: auth.ErrMalformedToken}, next.handler(),
		WithExemptPaths("/public/docs"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/public/docs", nil))

	if rec.Code != http.StatusOK || !next.called {
		t.Fatalf("exempt path blocked: status = %d", rec.Code)
	}
	if next.hasCl {
		t.Fatalf("exempt requests must carry no claims")
	}
}

func TestGateExpiredTokenIsUnauthorizedNotServerError(t *testing.T) {
	// End to end through the real validator: a well-formed but expired
	// RS256 token must produce a 401, never a 5xx.
	signer, err := localauth.NewSigner("http://keycloak.local:8080/realms/gauntlet", "gauntlet-api",
		localauth.WithSignerClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	tok, err := signer.IssueToken(&auth.Identity{Subject: "f3a1", Username: "alice"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	validator := tokenval.New("http://keycloak.local:8080/realms/gauntlet", "gauntlet-api",
		keyChain{signerKeySource{keyID: signer.KeyID(), key: signer.PublicKey()}})

	next := &nextRecorder{}
	h := newTestHandler(t, validator, next.handler())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if next.called {
		t.Fatalf("expired token must not reach the app")
	}
}

func TestGateFreshLocalTokenValidates(t *testing.T) {
	signer, err := localauth.NewSigner("http://keycloak.local:8080/realms/gauntlet", "gauntlet-api")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	tok, err := signer.IssueToken(&auth.Identity{Subject: "f3a1", Username: "alice"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	validator := tokenval.New("http://keycloak.local:8080/realms/gauntlet", "gauntlet-api",
		keyChain{signerKeySource{keyID: signer.KeyID(), key: signer.PublicKey()}})

	next := &nextRecorder{}
	h := newTestHandler(t, validator, next.handler())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !next.hasCl || next.claims.PreferredUsername != "alice" {
		t.Fatalf("claims = %+v", next.claims)
	}
}

func TestGateLocalTokenValidatesWhileProviderDown(t *testing.T) {
	// The key set source is unreachable, as it is when the provider is
	// offline. A locally issued token must still clear the gate via the
	// signer's key source.
	signer, err := localauth.NewSigner("http://keycloak.local:8080/realms/gauntlet", "gauntlet-api")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	tok, err := signer.IssueToken(&auth.Identity{Subject: "f3a1", Username: "alice"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	down := &scriptedKeySource{err: fmt.Errorf("%w: dial tcp: connection refused", auth.ErrTransport)}
	validator := tokenval.New("http://keycloak.local:8080/realms/gauntlet", "gauntlet-api",
		keyChain{down, signerKeySource{keyID: signer.KeyID(), key: signer.PublicKey()}})

	next := &nextRecorder{}
	h := newTestHandler(t, validator, next.handler())

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !next.called {
		t.Fatalf("app handler not reached")
	}
	if down.calls == 0 {
		t.Fatalf("unreachable source was never consulted; the scenario did not exercise fall-through")
	}
}

func TestGatePreflightShortCircuits(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{err: auth.ErrMalformedToken}, next.handler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/things", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("Access-Control-Allow-Headers = %q", got)
	}
	if next.called {
		t.Fatalf("preflight must not reach the app")
	}
}

func loginRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, DefaultLoginPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestLoginEndpointSuccess(t *testing.T) {
	next := &nextRecorder{}
	h := newTestHandler(t, stubValidator{claims: validClaims()}, next.handler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, loginRequest(`{"username":"alice","password":"s3cret"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "idp-token" || resp.TokenType != "Bearer" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Identity == nil || resp.Identity.Username != "alice" {
		t.Fatalf("identity = %+v", resp.Identity)
	}
}

func TestLoginEndpointWrongContentType(t *testing.T) {
	h := newTestHandler(t, stubValidator{claims: validClaims()}, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodPost, DefaultLoginPath, strings.NewReader("username=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginEndpointBadBody(t *testing.T) {
	h := newTestHandler(t, stubValidator{claims: validClaims()}, http.NotFoundHandler())

	for _, body := range []string{`{not json`, `{"username":"alice"}`, `{}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, loginRequest(body))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestLoginEndpointMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, stubValidator{claims: validClaims()}, http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultLoginPath, nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q", allow)
	}
}

func TestLoginEndpointRejected(t *testing.T) {
	orch := NewOrchestrator(&fakeIdP{
		exchangeErrs: []error{fmt.Errorf("%w: invalid_grant", auth.ErrUpstreamRejected)},
	})
	h := NewHandler(orch, stubValidator{claims: validClaims()}, http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, loginRequest(`{"username":"alice","password":"wrong"}`))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "invalid_grant") {
		t.Fatalf("response leaked upstream detail: %q", body)
	}
}

func TestLoginEndpointUnavailable(t *testing.T) {
	orch := NewOrchestrator(&fakeIdP{
		exchangeErrs: []error{
			fmt.Errorf("%w: connection refused", auth.ErrTransport),
			fmt.Errorf("%w: connection refused", auth.ErrTransport),
			fmt.Errorf("%w: connection refused", auth.ErrTransport),
		},
	}, WithRetryDelay(time.Millisecond))
	h := NewHandler(orch, stubValidator{claims: validClaims()}, http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, loginRequest(`{"username":"alice","password":"s3cret"}`))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginEndpointRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemory(1, time.Minute)
	h := newTestHandler(t, stubValidator{claims: validClaims()}, http.NotFoundHandler(),
		WithRateLimiter(limiter))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, loginRequest(`{"username":"alice","password":"s3cret"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("first attempt: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, loginRequest(`{"username":"alice","password":"s3cret"}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second attempt: status = %d, want 429", rec.Code)
	}
}
