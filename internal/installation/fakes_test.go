package installation

import (
	"context"
	"sync"

	"b24app.dev/internal/account"
	"b24app.dev/internal/portal"
)

type fakeAPI struct {
	mu         sync.Mutex
	profileErr error
	syncErr    error
	subs       []portal.Subscription
	reconciles int
}

func (f *fakeAPI) Domain() string { return "acme.example" }

func (f *fakeAPI) CurrentUserProfile(context.Context) (portal.Profile, error) {
	if f.profileErr != nil {
		return portal.Profile{}, f.profileErr
	}
	return portal.Profile{ID: 1, Admin: true, Name: "Ann"}, nil
}

func (f *fakeAPI) ApplicationInfo(context.Context) (portal.AppInfo, error) {
	return portal.AppInfo{Version: 2, Status: "F", LicenseFamily: "project"}, nil
}

func (f *fakeAPI) CountUsers(context.Context) (int, error) { return 12, nil }

func (f *fakeAPI) EventHandlers(context.Context) ([]portal.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]portal.Subscription(nil), f.subs...), nil
}

func (f *fakeAPI) Bind(_ context.Context, sub portal.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeAPI) Unbind(_ context.Context, sub portal.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.subs[:0]
	for _, s := range f.subs {
		if s.Event != sub.Event || s.Handler != sub.Handler {
			kept = append(kept, s)
		}
	}
	f.subs = kept
	return nil
}

func (f *fakeAPI) UnbindAll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.subs)
	f.subs = nil
	return n, nil
}

func (f *fakeAPI) ReconcileSubscriptions(ctx context.Context, desired []portal.Subscription) (portal.SyncResult, error) {
	f.mu.Lock()
	f.reconciles++
	err := f.syncErr
	f.mu.Unlock()
	if err != nil {
		return portal.SyncResult{}, err
	}
	return portal.Reconcile(ctx, f, desired)
}

func (f *fakeAPI) GetContact(context.Context, int64) (map[string]any, error) { return nil, nil }

func (f *fakeAPI) AddContact(context.Context, map[string]any) (int64, error) { return 0, nil }

func (f *fakeAPI) Call(context.Context, string, any, any) error { return nil }

func (f *fakeAPI) snapshot() []portal.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]portal.Subscription(nil), f.subs...)
}

type fakeFactory struct {
	api  *fakeAPI
	seen []portal.AuthData
	mu   sync.Mutex
}

func (f *fakeFactory) FromFrontend(auth portal.AuthData) (portal.API, error) {
	f.mu.Lock()
	f.seen = append(f.seen, auth)
	f.mu.Unlock()
	return f.api, nil
}

func (f *fakeFactory) FromEvent(auth portal.AuthData) (portal.API, error) { return f.api, nil }

func (f *fakeFactory) FromAccount(account.TenantAccount) (portal.API, error) { return f.api, nil }
