package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"b24app.dev/internal/account"
)

// fakePortal serves the REST methods the client uses plus the OAuth token endpoint.
type fakePortal struct {
	mu         sync.Mutex
	validToken string
	handlers   []Subscription
	calls      []string
	refreshes  int
	userFilter any
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/oauth/token/" {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("client_id") != "app.client" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		p.refreshes++
		p.validToken = "access-2"
		_, _ = w.Write([]byte(`{"access_token":"access-2","refresh_token":"refresh-2","expires_in":3600}`))
		return
	}

	method := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/rest/"), ".json")
	p.calls = append(p.calls, method)
	if r.URL.Query().Get("auth") != p.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"expired_token","error_description":"The access token provided has expired."}`))
		return
	}
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)

	switch method {
	case "profile":
		_, _ = w.Write([]byte(`{"result":{"ID":"5","ADMIN":true,"NAME":"Ann","LAST_NAME":"Lee"}}`))
	case "app.info":
		_, _ = w.Write([]byte(`{"result":{"ID":"7","CODE":"local.app","VERSION":"3","STATUS":"F","INSTALLED":false,"LICENSE_FAMILY":"project"}}`))
	case "user.get":
		p.userFilter = params["FILTER"]
		_, _ = w.Write([]byte(`{"result":[{"ID":"1"}],"total":42}`))
	case "event.get":
		out, _ := json.Marshal(map[string]any{"result": p.handlers})
		_, _ = w.Write(out)
	case "event.bind":
		p.handlers = append(p.handlers, Subscription{Event: params["event"].(string), Handler: params["handler"].(string)})
		_, _ = w.Write([]byte(`{"result":true}`))
	case "event.unbind":
		kept := p.handlers[:0]
		for _, h := range p.handlers {
			if !strings.EqualFold(h.Event, params["event"].(string)) || h.Handler != params["handler"].(string) {
				kept = append(kept, h)
			}
		}
		p.handlers = kept
		_, _ = w.Write([]byte(`{"result":{"count":1}}`))
	case "crm.contact.get":
		_, _ = w.Write([]byte(`{"result":{"ID":"11","NAME":"John"}}`))
	case "crm.contact.add":
		_, _ = w.Write([]byte(`{"result":12}`))
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found!"}`))
	}
}

func (p *fakePortal) subs() []Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Subscription(nil), p.handlers...)
}

func (p *fakePortal) stats() (calls []string, refreshes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...), p.refreshes
}

func newFakePortal(t *testing.T) (*fakePortal, *httptest.Server) {
	t.Helper()
	p := &fakePortal{validToken: "access-1"}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return p, srv
}

func newTestFactory(srv *httptest.Server, store account.Store) *Factory {
	return NewFactory(Config{
		ClientID:     "app.client",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/oauth/token/",
		Timeout:      5 * time.Second,
	}, store, WithEndpoint(func(string, string) string { return srv.URL + "/rest/" }))
}

func frontendAuth(srv *httptest.Server) AuthData {
	return AuthData{
		Domain:       strings.TrimPrefix(srv.URL, "http://"),
		Protocol:     "http",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
	}
}

func TestClientReadsProfileAndAppInfo(t *testing.T) {
	_, srv := newFakePortal(t)
	api, err := NewFactory(Config{ClientID: "app.client"}, nil).FromFrontend(frontendAuth(srv))
	require.NoError(t, err)

	profile, err := api.CurrentUserProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Profile{ID: 5, Admin: true, Name: "Ann", LastName: "Lee"}, profile)

	info, err := api.ApplicationInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, info.Version)
	assert.Equal(t, "project", info.LicenseFamily)
	assert.Equal(t, "F", info.Status)

	users, err := api.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, users)
}

func TestCountUsersAppliesNoFilter(t *testing.T) {
	p, srv := newFakePortal(t)
	api, err := NewFactory(Config{ClientID: "app.client"}, nil).FromFrontend(frontendAuth(srv))
	require.NoError(t, err)

	_, err = api.CountUsers(context.Background())
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, map[string]any{}, p.userFilter)
}

func TestReconcileSubscriptionsIsIdempotent(t *testing.T) {
	p, srv := newFakePortal(t)
	p.handlers = []Subscription{
		{Event: "ONAPPINSTALL", Handler: "https://app.example/api/app-events/"},
		{Event: "ONCRMCONTACTADD", Handler: "https://old.example/hook"},
	}
	api, err := newTestFactory(srv, nil).FromEvent(AuthData{Domain: "acme.example", AccessToken: "access-1"})
	require.NoError(t, err)

	desired := []Subscription{
		{Event: EventAppInstall, Handler: "https://app.example/api/app-events/"},
		{Event: EventAppUninstall, Handler: "https://app.example/api/app-events/"},
	}
	res, err := api.ReconcileSubscriptions(context.Background(), desired)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Bound: 1, Unbound: 1}, res)
	assert.ElementsMatch(t, desired, p.subs())

	res, err = api.ReconcileSubscriptions(context.Background(), desired)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	assert.Len(t, p.subs(), 2)
}

func TestUnbindAll(t *testing.T) {
	p, srv := newFakePortal(t)
	p.handlers = []Subscription{{Event: "ONCRMCONTACTADD", Handler: "h1"}, {Event: "ONAPPINSTALL", Handler: "h2"}}
	api, err := newTestFactory(srv, nil).FromEvent(AuthData{Domain: "acme.example", AccessToken: "access-1"})
	require.NoError(t, err)

	n, err := api.UnbindAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, p.subs())
}

func TestFromAccountPersistsRenewedToken(t *testing.T) {
	p, srv := newFakePortal(t)
	p.validToken = "access-2"

	store := account.NewInMemory()
	acc, err := store.CreateAccount(context.Background(), account.TenantAccount{
		MemberID: "m1",
		Domain:   "acme.example",
		Credential: account.Credential{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		},
	})
	require.NoError(t, err)

	api, err := newTestFactory(srv, store).FromAccount(acc)
	require.NoError(t, err)

	contact, err := api.GetContact(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, "John", contact["NAME"])
	_, refreshes := p.stats()
	assert.Equal(t, 1, refreshes)

	stored, err := store.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", stored.Credential.AccessToken)
	assert.Equal(t, "refresh-2", stored.Credential.RefreshToken)
	assert.Greater(t, stored.Credential.ExpiresAt, time.Now().Unix())
}

func TestExpiredCredentialRefreshesBeforeCall(t *testing.T) {
	p, srv := newFakePortal(t)
	p.validToken = "access-2"

	store := account.NewInMemory()
	acc, err := store.CreateAccount(context.Background(), account.TenantAccount{
		MemberID: "m1",
		Domain:   "acme.example",
		Credential: account.Credential{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
		},
	})
	require.NoError(t, err)

	api, err := newTestFactory(srv, store).FromAccount(acc)
	require.NoError(t, err)
	id, err := api.AddContact(context.Background(), map[string]any{"NAME": "Jane"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	calls, _ := p.stats()
	assert.Equal(t, []string{"crm.contact.add"}, calls)
}

func TestRemoteErrorsWrapErrRemote(t *testing.T) {
	_, srv := newFakePortal(t)
	api, err := newTestFactory(srv, nil).FromEvent(AuthData{Domain: "acme.example", AccessToken: "access-1"})
	require.NoError(t, err)

	err = api.Call(context.Background(), "no.such.method", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "ERROR_METHOD_NOT_FOUND")

	// No refresh token: the expired-token answer cannot be recovered from.
	api, err = newTestFactory(srv, nil).FromEvent(AuthData{Domain: "acme.example", AccessToken: "stale"})
	require.NoError(t, err)
	_, err = api.CurrentUserProfile(context.Background())
	assert.ErrorIs(t, err, ErrRemote)
}

func TestFactoryRejectsMissingCredential(t *testing.T) {
	f := NewFactory(Config{}, nil)
	_, err := f.FromFrontend(AuthData{Domain: "acme.example"})
	assert.ErrorIs(t, err, ErrNoCredential)
	_, err = f.FromEvent(AuthData{AccessToken: "x"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = f.FromAccount(account.TenantAccount{Domain: "acme.example"})
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestAuthDataCredential(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cred := AuthData{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3600}.Credential(now)
	assert.Equal(t, int64(1_700_003_600), cred.ExpiresAt)
	assert.Equal(t, int64(3600), cred.ExpiresIn)
}
