package portal

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"b24app.dev/internal/account"
	"b24app.dev/internal/obs"
)

// Config is the application profile registered on the remote platform.
type Config struct {
	ClientID     string
	ClientSecret string
	Scope        []string
	TokenURL     string
	Timeout      time.Duration
}

// Factory implements ClientFactory over net/http.
type Factory struct {
	oauth    *oauth2.Config
	http     *http.Client
	store    account.Store
	now      func() time.Time
	endpoint func(domain, protocol string) string
}

var _ ClientFactory = (*Factory)(nil)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient overrides the client used for REST and token calls.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) {
		if c != nil {
			f.http = c
		}
	}
}

// WithEndpoint overrides how the REST base URL is derived from a domain.
func WithEndpoint(fn func(domain, protocol string) string) FactoryOption {
	return func(f *Factory) {
		if fn != nil {
			f.endpoint = fn
		}
	}
}

// WithClock overrides the time source used for credential expiry.
func WithClock(fn func() time.Time) FactoryOption {
	return func(f *Factory) {
		if fn != nil {
			f.now = fn
		}
	}
}

// NewFactory builds a client factory. store receives renewed credentials of
// clients opened with FromAccount.
func NewFactory(cfg Config, store account.Store, opts ...FactoryOption) *Factory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	f := &Factory{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scope,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http:     &http.Client{Timeout: timeout},
		store:    store,
		now:      time.Now,
		endpoint: defaultEndpoint,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultEndpoint(domain, protocol string) string {
	if protocol == "" {
		protocol = "https"
	}
	return protocol + "://" + domain + "/rest/"
}

func (f *Factory) FromFrontend(auth AuthData) (API, error) {
	return f.transient(auth, f.endpoint(account.NormalizeDomain(auth.Domain), auth.Protocol))
}

func (f *Factory) FromEvent(auth AuthData) (API, error) {
	endpoint := strings.TrimSpace(auth.ClientEndpoint)
	if endpoint == "" {
		endpoint = f.endpoint(account.NormalizeDomain(auth.Domain), auth.Protocol)
	} else if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return f.transient(auth, endpoint)
}

func (f *Factory) transient(auth AuthData, endpoint string) (API, error) {
	domain := account.NormalizeDomain(auth.Domain)
	if domain == "" {
		return nil, ErrInvalidAddress
	}
	if auth.AccessToken == "" && auth.RefreshToken == "" {
		return nil, ErrNoCredential
	}
	tok := f.token(auth.Credential(f.now()))
	return &Client{
		http:     f.http,
		endpoint: endpoint,
		domain:   domain,
		tokens:   newTokenSource(f.oauth, f.http, tok, nil),
	}, nil
}

func (f *Factory) FromAccount(acc account.TenantAccount) (API, error) {
	domain := account.NormalizeDomain(acc.Domain)
	if domain == "" {
		return nil, ErrInvalidAddress
	}
	if acc.Credential.AccessToken == "" && acc.Credential.RefreshToken == "" {
		return nil, ErrNoCredential
	}
	accountID := acc.ID
	var persist renewFunc = func(ctx context.Context, tok *oauth2.Token) error {
		cred := account.Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresIn:    tok.ExpiresIn,
		}
		if !tok.Expiry.IsZero() {
			cred.ExpiresAt = tok.Expiry.Unix()
		}
		if err := f.store.UpdateCredential(ctx, accountID, cred); err != nil {
			return err
		}
		obs.Logger().InfoContext(ctx, "portal token renewed", "account_id", accountID, "domain", domain)
		return nil
	}
	if f.store == nil {
		persist = nil
	}
	return &Client{
		http:     f.http,
		endpoint: f.endpoint(domain, ""),
		domain:   domain,
		tokens:   newTokenSource(f.oauth, f.http, f.token(acc.Credential), persist),
	}, nil
}

func (f *Factory) token(cred account.Credential) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    cred.ExpiresIn,
	}
	if cred.ExpiresAt > 0 {
		tok.Expiry = time.Unix(cred.ExpiresAt, 0)
	}
	return tok
}
