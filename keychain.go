package authgate

import (
	"context"
	"crypto/rsa"
	"errors"

	"github.com/cloudgauntlet/authgate/auth"
	"github.com/cloudgauntlet/authgate/internal/tokenval"
)

// keyChain resolves verification keys from an ordered list of sources.
// It lets the gate validate both provider-issued tokens (JWKS cache)
// and locally signed development tokens (signer key) through one
// pipeline.
type keyChain []tokenval.KeySource

var _ tokenval.KeySource = keyChain{}

// Key tries every source in order. A source that cannot serve the kid,
// whether it lacks the key or its backend is unreachable, never blocks
// a later source from answering: locally signed tokens must keep
// validating while the provider is down. When no source answers, the
// first non-miss error wins so callers see the underlying failure
// rather than a generic miss.
func (kc keyChain) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	var firstErr error
	for _, src := range kc {
		key, err := src.Key(ctx, kid)
		if err == nil {
			return key, nil
		}
		if firstErr == nil || (errors.Is(firstErr, auth.ErrKeyNotFound) && !errors.Is(err, auth.ErrKeyNotFound)) {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = auth.ErrKeyNotFound
	}
	return nil, firstErr
}

// signerKeySource adapts a local token signer into a KeySource exposing
// exactly its one key id.
type signerKeySource struct {
	keyID string
	key   *rsa.PublicKey
}

func (s signerKeySource) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == s.keyID {
		return s.key, nil
	}
	return nil, auth.ErrKeyNotFound
}
