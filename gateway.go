package authgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/cloudgauntlet/authgate/auth"
	"github.com/cloudgauntlet/authgate/internal/logctx"
	"github.com/cloudgauntlet/authgate/internal/ratelimit"
)

const (
	// DefaultLoginPath is where the gateway exposes credential login.
	DefaultLoginPath = "/api/auth/login"
	// DefaultHealthPath is the unauthenticated liveness endpoint.
	DefaultHealthPath = "/health"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// TokenValidator verifies a bearer token and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

var _ http.Handler = (*Handler)(nil)

// Handler is the gateway's HTTP surface: the login endpoint, the
// health endpoint, and the request gate in front of the wrapped
// application handler.
type Handler struct {
	orch      *Orchestrator
	validator TokenValidator
	next      http.Handler
	log       *slog.Logger
	limiter   ratelimit.Limiter

	realm      string
	loginPath  string
	healthPath string
	exempt     map[string]struct{}
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithRealm sets the realm label used in Bearer challenges.
func WithRealm(realm string) HandlerOption {
	return func(h *Handler) { h.realm = realm }
}

// WithExemptPaths adds paths that bypass authentication entirely, on
// top of the login and health endpoints.
func WithExemptPaths(paths ...string) HandlerOption {
	return func(h *Handler) {
		for _, p := range paths {
			h.exempt[p] = struct{}{}
		}
	}
}

// WithRateLimiter throttles login attempts. Without it logins are
// unthrottled.
func WithRateLimiter(l ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// WithHandlerLogger sets the slog logger. The handler wraps it with
// the context-enriching logctx handler.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// NewHandler wraps next with the gateway surface. Every request not
// aimed at the login/health endpoints or an exempt path must carry a
// valid bearer token to reach next.
func NewHandler(orch *Orchestrator, validator TokenValidator, next http.Handler, opts ...HandlerOption) *Handler {
	h := &Handler{
		orch:       orch,
		validator:  validator,
		next:       next,
		log:        slog.Default(),
		realm:      "authgate",
		loginPath:  DefaultLoginPath,
		healthPath: DefaultHealthPath,
		exempt:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.exempt[h.loginPath] = struct{}{}
	h.exempt[h.healthPath] = struct{}{}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	r = r.WithContext(ctx)

	if r.Method == http.MethodOptions {
		h.handlePreflight(w, r)
		return
	}

	switch r.URL.Path {
	case h.healthPath:
		h.handleHealth(w, r)
		return
	case h.loginPath:
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleLogin(w, r)
		return
	}

	token, skip, gerr := gateDecision(r.URL.Path, r.Header, h.exempt)
	if skip {
		h.next.ServeHTTP(w, r)
		return
	}
	if gerr != nil {
		// No usable credentials: bare challenge per RFC 6750 §3.1, no
		// error code for credential-less requests.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", gerr.Error()))
		params := map[string]string{}
		if gerr != errNoAuthorization {
			params["error"] = "invalid_request"
		}
		w.Header().Set("WWW-Authenticate", bearerChallenge(h.realm, params))
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	claims, err := h.validator.Validate(ctx, token)
	if err != nil {
		// The taxonomy error is for logs only; clients get a uniform
		// invalid_token challenge with no validation internals.
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set("WWW-Authenticate", bearerChallenge(h.realm, map[string]string{
			"error":             "invalid_token",
			"error_description": "token validation failed",
		}))
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	ctx = withClaims(ctx, claims)
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{
		Subject: claims.Subject,
		Source:  string(auth.IdentitySourceUserInfo),
	})
	h.log.DebugContext(ctx, "auth.check.ok")
	h.next.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// loginResponse is the login endpoint's success payload.
type loginResponse struct {
	Token        string         `json:"token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Identity     *auth.Identity `json:"identity"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "auth.login.content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	var creds auth.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&creds); err != nil {
		h.log.WarnContext(ctx, "auth.login.decode.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if creds.Username == "" || creds.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if h.limiter != nil {
		ok, lerr := h.limiter.Allow(ctx, limiterKey(creds.Username, r.RemoteAddr))
		if lerr != nil {
			// Fail open on limiter backend errors: login availability
			// over strict accounting.
			h.log.WarnContext(ctx, "auth.login.ratelimit.err", slog.String("err", lerr.Error()))
		} else if !ok {
			h.log.WarnContext(ctx, "auth.login.ratelimited", slog.String("username", creds.Username))
			writeJSONError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
	}

	decision := h.orch.Login(ctx, creds)
	switch decision.Status() {
	case auth.StatusAuthenticated:
		token := decision.Token()
		writeJSON(w, http.StatusOK, loginResponse{
			Token:        token.AccessToken,
			TokenType:    token.TokenType,
			ExpiresIn:    token.ExpiresIn,
			RefreshToken: token.RefreshToken,
			Identity:     decision.Identity(),
		})
	case auth.StatusUnavailable:
		writeJSONError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
	default:
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
	}
}

func limiterKey(username, remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return username + "|" + host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
