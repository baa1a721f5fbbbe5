package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/samber/oops"

	"b24app.dev/internal/account"
	"b24app.dev/internal/installation"
	"b24app.dev/internal/obs"
	"b24app.dev/internal/portal"
)

// Installer is the part of the installation orchestrator driven by lifecycle events.
type Installer interface {
	FinishInstall(ctx context.Context, auth portal.AuthData) (installation.Outcome, error)
	Uninstall(ctx context.Context, auth portal.AuthData) (installation.Outcome, error)
}

// BusinessHandler processes a business event with a client built from the
// stored tenant credential.
type BusinessHandler func(ctx context.Context, api portal.API, ev Event) error

type dispatchFunc func(ctx context.Context, ev Event, acc account.TenantAccount) (string, error)

// Result is what the HTTP layer needs to answer the portal.
type Result struct {
	Status  int
	Code    string
	Outcome string
	Err     error
}

// Router authenticates deliveries and dispatches them through a flat code table.
type Router struct {
	store     account.Store
	clients   portal.ClientFactory
	installer Installer
	handlers  map[string]dispatchFunc
}

// NewRouter registers the lifecycle events; business events are added with Register.
func NewRouter(store account.Store, clients portal.ClientFactory, installer Installer) *Router {
	rt := &Router{
		store:     store,
		clients:   clients,
		installer: installer,
		handlers:  map[string]dispatchFunc{},
	}
	rt.handlers[portal.EventAppInstall] = func(ctx context.Context, ev Event, _ account.TenantAccount) (string, error) {
		out, err := rt.installer.FinishInstall(ctx, ev.Auth)
		return string(out), err
	}
	rt.handlers[portal.EventAppUninstall] = func(ctx context.Context, ev Event, _ account.TenantAccount) (string, error) {
		out, err := rt.installer.Uninstall(ctx, ev.Auth)
		return string(out), err
	}
	return rt
}

// Register binds a business event code to h. Lifecycle codes cannot be overridden.
func (rt *Router) Register(code string, h BusinessHandler) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if isLifecycle(code) || h == nil {
		return
	}
	rt.handlers[code] = func(ctx context.Context, ev Event, acc account.TenantAccount) (string, error) {
		api, err := rt.clients.FromAccount(acc)
		if err != nil {
			return "", err
		}
		if err := h(ctx, api, ev); err != nil {
			return "", err
		}
		return "processed", nil
	}
}

// Codes lists the registered event codes.
func (rt *Router) Codes() []string {
	out := make([]string, 0, len(rt.handlers))
	for code := range rt.handlers {
		out = append(out, code)
	}
	return out
}

func isLifecycle(code string) bool {
	return code == portal.EventAppInstall || code == portal.EventAppUninstall
}

// Authenticate resolves the tenant the event belongs to.
//
// Until install-finished has stored an application token for the live
// account, only install-finished itself is accepted on first use: the account
// must have a pending installation and the event domain must match the stored
// one. A tokenless uninstall is treated as addressed to an unknown tenant.
// Every other event must carry the stored application token.
func (rt *Router) Authenticate(ctx context.Context, ev Event) (*account.TenantAccount, error) {
	errb := oops.In("webhook").With("event", ev.Code, "member_id", ev.Auth.MemberID, "domain", ev.Auth.Domain)

	acc, err := rt.store.FindLiveByMemberID(ctx, ev.Auth.MemberID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, errb.Wrapf(ErrUnknownTenant, "no live account")
	}
	if err != nil {
		return nil, errb.Wrapf(err, "look up account")
	}
	if account.NormalizeDomain(acc.Domain) != ev.Auth.Domain {
		return nil, errb.With("stored_domain", acc.Domain).Wrapf(ErrAuthentication, "domain mismatch")
	}

	if acc.ApplicationToken == "" {
		switch ev.Code {
		case portal.EventAppInstall:
		case portal.EventAppUninstall:
			return nil, errb.Wrapf(ErrUnknownTenant, "uninstall before install finished")
		default:
			return nil, errb.Wrapf(ErrAuthentication, "tenant has no application token yet")
		}
		inst, err := rt.store.LatestInstallation(ctx, acc.ID)
		if errors.Is(err, account.ErrNotFound) || (err == nil && inst.Status != account.InstallationPending) {
			return nil, errb.Wrapf(ErrUnknownTenant, "no pending installation")
		}
		if err != nil {
			return nil, errb.Wrapf(err, "load installation")
		}
		return &acc, nil
	}

	if subtle.ConstantTimeCompare([]byte(acc.ApplicationToken), []byte(ev.Auth.ApplicationToken)) != 1 {
		return nil, errb.Wrapf(ErrAuthentication, "application token mismatch")
	}
	return &acc, nil
}

// Dispatch runs the handler registered for the event code. Unknown codes are
// logged and treated as handled.
func (rt *Router) Dispatch(ctx context.Context, ev Event, acc *account.TenantAccount) (string, error) {
	h, ok := rt.handlers[ev.Code]
	if !ok {
		obs.Logger().WarnContext(ctx, "unhandled event code")
		return "unhandled", nil
	}
	var tenant account.TenantAccount
	if acc != nil {
		tenant = *acc
	}
	out, err := h(ctx, ev, tenant)
	if err != nil {
		return "", oops.In("webhook").With("event", ev.Code).Wrapf(err, "dispatch")
	}
	return out, nil
}

// Handle runs parse, authenticate and dispatch. Only structural (400) and
// authentication (401) failures are surfaced to the portal; everything else
// is acknowledged so the platform does not redeliver.
func (rt *Router) Handle(ctx context.Context, r *http.Request) Result {
	ev, err := ParseEvent(r)
	if err != nil {
		obs.ObserveWebhook("", "malformed")
		obs.Logger().WarnContext(ctx, "rejected event delivery", "path", r.URL.Path, obs.Err(err))
		return Result{Status: http.StatusBadRequest, Outcome: "malformed", Err: err}
	}
	ctx = obs.With(ctx, "event_code", ev.Code, "member_id", ev.Auth.MemberID, "domain", ev.Auth.Domain)
	res := Result{Status: http.StatusOK, Code: ev.Code}

	acc, err := rt.Authenticate(ctx, ev)
	switch {
	case errors.Is(err, ErrAuthentication):
		res.Status, res.Outcome, res.Err = http.StatusUnauthorized, "unauthenticated", err
		obs.Logger().WarnContext(ctx, "event authentication failed", obs.Err(err))
	case errors.Is(err, ErrUnknownTenant):
		res.Outcome = "unknown_tenant"
		obs.Logger().WarnContext(ctx, "event for unknown tenant acknowledged", obs.Err(err))
	case err != nil:
		res.Outcome = "error"
		obs.Logger().ErrorContext(ctx, "event authentication errored", obs.Err(err))
	default:
		out, derr := rt.Dispatch(ctx, ev, acc)
		if derr != nil {
			res.Outcome = "error"
			obs.Logger().ErrorContext(ctx, "event processing failed", obs.Err(derr))
		} else {
			res.Outcome = out
			obs.Logger().InfoContext(ctx, "event processed", "outcome", out)
		}
	}
	obs.ObserveWebhook(ev.Code, res.Outcome)
	return res
}
