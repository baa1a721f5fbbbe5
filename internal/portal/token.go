package portal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"b24app.dev/internal/obs"
)

// renewFunc receives every token obtained through the refresh flow.
type renewFunc func(ctx context.Context, tok *oauth2.Token) error

// tokenSource hands out the current access token and refreshes it through
// the OAuth endpoint once it expires or the portal rejects it.
type tokenSource struct {
	mu      sync.Mutex
	cfg     *oauth2.Config
	client  *http.Client
	current *oauth2.Token
	onRenew renewFunc
}

func newTokenSource(cfg *oauth2.Config, client *http.Client, initial *oauth2.Token, onRenew renewFunc) *tokenSource {
	return &tokenSource{cfg: cfg, client: client, current: initial, onRenew: onRenew}
}

// Token returns a valid token, refreshing when the known expiry has passed.
func (s *tokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Valid() {
		return s.current, nil
	}
	return s.refreshLocked(ctx)
}

// Refresh forces a refresh unless another caller already replaced stale.
func (s *tokenSource) Refresh(ctx context.Context, stale string) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.AccessToken != stale && s.current.Valid() {
		return s.current, nil
	}
	return s.refreshLocked(ctx)
}

func (s *tokenSource) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	if s.current == nil || s.current.RefreshToken == "" {
		return nil, ErrNoCredential
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, s.client)
	// An empty access token forces the refresh grant.
	src := oauth2.ReuseTokenSource(nil, s.cfg.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: s.current.RefreshToken}))
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	if tok.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		tok.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	s.current = tok
	if s.onRenew != nil {
		if err := s.onRenew(ctx, tok); err != nil {
			// The fresh token is still usable for this call.
			obs.Logger().ErrorContext(ctx, "persist renewed portal token", obs.Err(err))
		}
	}
	return tok, nil
}
