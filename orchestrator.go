package authgate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudgauntlet/authgate/auth"
)

// IdentityProvider is the outbound surface the orchestrator needs from
// the IdP client.
type IdentityProvider interface {
	ExchangeCredentials(ctx context.Context, username, password string) (*auth.TokenResponse, error)
	FetchUserInfo(ctx context.Context, accessToken string) (*auth.Identity, error)
}

// LocalAuthenticator is the development fallback: a credential check
// plus a token signer. Wired in only when the fallback is explicitly
// enabled.
type LocalAuthenticator interface {
	Authenticate(username, password string) (*auth.Identity, error)
	IssueToken(identity *auth.Identity) (*auth.TokenResponse, error)
}

const (
	defaultExchangeRetries = 2
	defaultRetryDelay      = 200 * time.Millisecond
)

// Orchestrator drives the login fallback chain: identity provider
// exchange, userinfo enrichment, and the optional local development
// fallback. Every login ends in exactly one terminal decision.
type Orchestrator struct {
	idp   IdentityProvider
	local LocalAuthenticator
	log   *slog.Logger

	retries    int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// OrchestratorOption configures optional orchestrator behavior.
type OrchestratorOption func(*Orchestrator)

// WithLocalFallback enables the development fallback. This is a
// security-sensitive opt-in: leave it unset wherever the identity
// provider is the sole source of truth.
func WithLocalFallback(local LocalAuthenticator) OrchestratorOption {
	return func(o *Orchestrator) { o.local = local }
}

// WithExchangeRetries sets how many times a transport-failed exchange
// is retried before the fallback chain takes over.
func WithExchangeRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.retries = n }
}

// WithRetryDelay sets the initial backoff delay between retries; the
// delay doubles per attempt.
func WithRetryDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.retryDelay = d }
}

// WithOrchestratorLogger sets the slog logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

// NewOrchestrator builds an orchestrator over the identity provider
// client.
func NewOrchestrator(idp IdentityProvider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		idp:        idp,
		log:        slog.Default(),
		retries:    defaultExchangeRetries,
		retryDelay: defaultRetryDelay,
		sleep:      ctxSleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Login runs the fallback chain for the credentials and returns a
// terminal decision. Validation-free by design: tokens returned here
// are provider- or service-signed and are validated by the gate on
// subsequent requests.
func (o *Orchestrator) Login(ctx context.Context, creds auth.Credentials) auth.Decision {
	token, err := o.exchange(ctx, creds)
	if err != nil {
		return o.fallback(ctx, creds, err)
	}

	// Enrichment failure deliberately degrades: the provider-issued
	// token is valid and usable even when userinfo is down.
	identity, uerr := o.idp.FetchUserInfo(ctx, token.AccessToken)
	if uerr != nil {
		o.log.WarnContext(ctx, "auth.login.enrich.fail", slog.String("err", uerr.Error()))
		identity = &auth.Identity{
			Subject:  uuid.NewString(),
			Username: creds.Username,
			Source:   auth.IdentitySourceSynthesized,
		}
	}
	o.log.InfoContext(ctx, "auth.login.ok", slog.String("source", string(identity.Source)))
	return auth.Authenticated(token, identity)
}

// exchange performs the token exchange with bounded retries on
// transport failures. Upstream rejections are never retried; they are
// deterministic for the same credentials.
func (o *Orchestrator) exchange(ctx context.Context, creds auth.Credentials) (*auth.TokenResponse, error) {
	delay := o.retryDelay
	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
			delay *= 2
		}
		token, err := o.idp.ExchangeCredentials(ctx, creds.Username, creds.Password)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if !errors.Is(err, auth.ErrTransport) {
			return nil, err
		}
		o.log.WarnContext(ctx, "auth.exchange.retry",
			slog.Int("attempt", attempt+1),
			slog.String("err", err.Error()))
	}
	return nil, lastErr
}

// fallback handles the terminal states after the IdP path failed. With
// the local fallback disabled, transport failures surface as
// Unavailable and rejections as Rejected.
func (o *Orchestrator) fallback(ctx context.Context, creds auth.Credentials, cause error) auth.Decision {
	if o.local == nil {
		if errors.Is(cause, auth.ErrTransport) {
			o.log.WarnContext(ctx, "auth.login.unavailable", slog.String("err", cause.Error()))
			return auth.Unavailable(cause)
		}
		o.log.InfoContext(ctx, "auth.login.rejected", slog.String("err", cause.Error()))
		return auth.Rejected(cause)
	}

	identity, err := o.local.Authenticate(creds.Username, creds.Password)
	if err != nil {
		o.log.InfoContext(ctx, "auth.login.fallback.rejected", slog.String("err", err.Error()))
		return auth.Rejected(err)
	}
	token, err := o.local.IssueToken(identity)
	if err != nil {
		o.log.ErrorContext(ctx, "auth.login.fallback.sign.fail", slog.String("err", err.Error()))
		return auth.Unavailable(err)
	}
	o.log.InfoContext(ctx, "auth.login.fallback.ok", slog.String("username", identity.Username))
	return auth.Authenticated(token, identity)
}

// ctxSleep waits for d or until ctx is cancelled.
func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
