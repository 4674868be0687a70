// Package localauth implements the development fallback credential
// store and the service-owned token signer backing it. The fallback
// exists to keep the API usable when the identity provider is
// unreachable (local/offline development); it is wired in only when
// explicitly enabled by configuration.
package localauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cloudgauntlet/authgate/auth"
)

// Account is a statically configured development credential.
type Account struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Store holds the dev accounts. Safe for concurrent use; the file-based
// constructor reloads on changes.
type Store struct {
	log *slog.Logger

	mu       sync.RWMutex
	accounts map[string]Account
}

// NewStore builds a store over a fixed account list.
func NewStore(accounts ...Account) *Store {
	s := &Store{log: slog.Default()}
	s.replace(accounts)
	return s
}

// NewFileStore loads accounts from a JSON file (an array of Account
// objects) and watches it for changes until ctx is cancelled. A reload
// that fails to parse keeps the previous accounts.
func NewFileStore(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{log: log}
	if err := s.loadFile(path); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("localauth: watcher: %w", err)
	}
	// Watch the directory rather than the file so editors that
	// rename-and-replace keep triggering events.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("localauth: watch %s: %w", path, err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.loadFile(path); err != nil {
					log.Warn("localauth.reload.fail", slog.String("err", err.Error()))
					continue
				}
				log.Info("localauth.reload.ok", slog.String("path", path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("localauth.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return s, nil
}

func (s *Store) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("localauth: read accounts file: %w", err)
	}
	var accounts []Account
	if err := json.Unmarshal(b, &accounts); err != nil {
		return fmt.Errorf("localauth: parse accounts file: %w", err)
	}
	s.replace(accounts)
	return nil
}

func (s *Store) replace(accounts []Account) {
	m := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		if a.Username == "" {
			continue
		}
		m[a.Username] = a
	}
	s.mu.Lock()
	s.accounts = m
	s.mu.Unlock()
}

// Authenticate compares the credentials against the configured
// accounts in constant time. On mismatch it fails with
// auth.ErrInvalidCredentials without revealing which field differed.
func (s *Store) Authenticate(username, password string) (*auth.Identity, error) {
	s.mu.RLock()
	acct, ok := s.accounts[username]
	s.mu.RUnlock()

	// Compare against a dummy value on unknown usernames to keep the
	// timing profile uniform.
	expected := acct.Password
	if !ok {
		expected = ""
	}
	match := subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
	if !ok || !match || expected == "" {
		return nil, auth.ErrInvalidCredentials
	}

	return &auth.Identity{
		Subject:     uuid.NewString(),
		Username:    acct.Username,
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		Source:      auth.IdentitySourceLocal,
	}, nil
}

// DefaultTokenTTL bounds locally issued tokens.
const DefaultTokenTTL = 15 * time.Minute

// Signer mints RS256-signed tokens from a service-owned RSA key for
// identities authenticated by the local fallback. Tokens carry the
// configured issuer and audience so the request gate validates them
// through the same pipeline as provider-issued ones.
type Signer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// SignerOption configures optional signer behavior.
type SignerOption func(*Signer)

// WithKey supplies the signing key instead of generating one.
func WithKey(key *rsa.PrivateKey) SignerOption {
	return func(s *Signer) { s.key = key }
}

// WithTokenTTL overrides the issued token lifetime.
func WithTokenTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) { s.ttl = ttl }
}

// WithSignerClock is used by tests to pin issuance time.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner builds a signer for the given issuer and audience. Without
// WithKey a fresh 2048-bit RSA key is generated, scoping locally issued
// tokens to this process lifetime.
func NewSigner(issuer, audience string, opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		keyID:    uuid.NewString(),
		issuer:   issuer,
		audience: audience,
		ttl:      DefaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.key == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("localauth: generate signing key: %w", err)
		}
		s.key = key
	}
	return s, nil
}

// KeyID returns the kid carried in issued token headers.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification half of the signing key.
func (s *Signer) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// IssueToken mints a signed token for the identity. The token is a
// real RS256 JWT, never a trivial or unsigned stand-in.
func (s *Signer) IssueToken(identity *auth.Identity) (*auth.TokenResponse, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":                s.issuer,
		"sub":                identity.Subject,
		"aud":                s.audience,
		"exp":                now.Add(s.ttl).Unix(),
		"iat":                now.Unix(),
		"preferred_username": identity.Username,
	}
	if identity.Email != "" {
		claims["email"] = identity.Email
	}
	if identity.DisplayName != "" {
		claims["name"] = identity.DisplayName
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keyID
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("localauth: sign token: %w", err)
	}
	return &auth.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
