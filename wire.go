package authgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/cloudgauntlet/authgate/auth"
	"github.com/cloudgauntlet/authgate/config"
	"github.com/cloudgauntlet/authgate/internal/idp"
	"github.com/cloudgauntlet/authgate/internal/jwks"
	"github.com/cloudgauntlet/authgate/internal/localauth"
	"github.com/cloudgauntlet/authgate/internal/ratelimit"
	"github.com/cloudgauntlet/authgate/internal/tokenval"
)

// New wires a complete gateway from configuration: identity provider
// client, signing key cache, validator, orchestrator (with the local
// fallback only when explicitly enabled), rate limiter, and the HTTP
// handler wrapping next. ctx scopes background work such as the dev
// accounts file watcher.
func New(ctx context.Context, cfg *config.Config, next http.Handler, log *slog.Logger) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := idp.New(idp.Config{
		BaseURL:      cfg.IdPBaseURL,
		Realm:        cfg.Realm,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, idp.WithLogger(log), idp.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
	if err != nil {
		return nil, err
	}

	cache := jwks.NewCache(cfg.Realm, client,
		jwks.WithTTL(cfg.JWKSCacheTTL),
		jwks.WithLogger(log))

	keys := keyChain{cache}
	orchOpts := []OrchestratorOption{WithOrchestratorLogger(log)}

	if cfg.DevFallback {
		var store *localauth.Store
		if cfg.DevAccountsFile != "" {
			store, err = localauth.NewFileStore(ctx, cfg.DevAccountsFile, log)
			if err != nil {
				return nil, err
			}
		} else {
			store = localauth.NewStore(localauth.Account{
				Username: cfg.DevUsername,
				Password: cfg.DevPassword,
			})
		}
		signer, err := localauth.NewSigner(cfg.IssuerURL(), cfg.Audience)
		if err != nil {
			return nil, err
		}
		// Signer key first: it matches only its own kid, and a local
		// check avoids forcing a key set refresh for every locally
		// issued token.
		keys = append(keyChain{signerKeySource{keyID: signer.KeyID(), key: signer.PublicKey()}}, keys...)
		orchOpts = append(orchOpts, WithLocalFallback(devFallback{store: store, signer: signer}))
		log.Warn("auth.dev_fallback.enabled")
	}

	validator := tokenval.New(cfg.IssuerURL(), cfg.Audience, keys)
	orch := NewOrchestrator(client, orchOpts...)

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := cl.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("authgate: redis ping: %w", err)
		}
		limiter = ratelimit.NewRedis(cl, ratelimit.RedisConfig{
			Addr:   cfg.RedisAddr,
			Limit:  cfg.LoginRateLimit,
			Window: cfg.LoginRateWindow,
		})
	} else {
		limiter = ratelimit.NewMemory(cfg.LoginRateLimit, cfg.LoginRateWindow)
	}

	return NewHandler(orch, validator, next,
		WithRealm(cfg.Realm),
		WithRateLimiter(limiter),
		WithHandlerLogger(log),
	), nil
}

// devFallback pairs the dev account store with the local signer to
// satisfy the orchestrator's LocalAuthenticator contract.
type devFallback struct {
	store  *localauth.Store
	signer *localauth.Signer
}

func (d devFallback) Authenticate(username, password string) (*auth.Identity, error) {
	return d.store.Authenticate(username, password)
}

func (d devFallback) IssueToken(identity *auth.Identity) (*auth.TokenResponse, error) {
	return d.signer.IssueToken(identity)
}
