package auth

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenProvider hands out access tokens and can be asked to discard a
// rejected one.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	// Invalidate drops the cached access token so the next AccessToken
	// call goes back to the token endpoint with the refresh token.
	Invalidate()
}

// StaticToken is a TokenProvider for a fixed token, used when the caller
// already manages refresh externally.
type StaticToken string

func (t StaticToken) AccessToken(context.Context) (string, error) { return string(t), nil }
func (StaticToken) Invalidate()                                   {}

// Refresher caches tokens from an oauth2 config + refresh token and
// supports forced renewal after a server-side rejection.
type Refresher struct {
	cfg     *oauth2.Config
	refresh string

	mu  sync.Mutex
	tok *oauth2.Token
}

func NewRefresher(cfg *oauth2.Config, refreshToken string) *Refresher {
	return &Refresher{cfg: cfg, refresh: refreshToken}
}

func (r *Refresher) AccessToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tok.Valid() {
		return r.tok.AccessToken, nil
	}
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: r.refresh})
	tok, err := src.Token()
	if err != nil {
		return "", errors.Wrap(err, "refresh access token")
	}
	r.tok = tok
	return tok.AccessToken, nil
}

func (r *Refresher) Invalidate() {
	r.mu.Lock()
	r.tok = nil
	r.mu.Unlock()
}
