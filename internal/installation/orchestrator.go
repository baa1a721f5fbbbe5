// Package installation drives the two-step install handshake and the
// uninstall/block transitions of tenant accounts.
package installation

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"

	"b24app.dev/internal/account"
	"b24app.dev/internal/audit"
	"b24app.dev/internal/obs"
	"b24app.dev/internal/portal"
)

// LifecycleWebhookPath is where the portal delivers install and uninstall events.
const LifecycleWebhookPath = "/api/app-events/"

// Options configures an Orchestrator.
type Options struct {
	// ApplicationHost is the public base URL of this service, without trailing slash.
	ApplicationHost string
	// Scope is recorded on new accounts.
	Scope []string
	Now   func() time.Time
}

// Orchestrator owns the install state machine. It keeps no in-process locks:
// concurrent handshakes are serialized by the account store.
type Orchestrator struct {
	store   account.Store
	clients portal.ClientFactory
	host    string
	scope   []string
	now     func() time.Time
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(store account.Store, clients portal.ClientFactory, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		clients: clients,
		host:    strings.TrimRight(strings.TrimSpace(opts.ApplicationHost), "/"),
		scope:   slices.Clone(opts.Scope),
		now:     opts.Now,
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// WebhookURL is the handler registered for lifecycle events.
func (o *Orchestrator) WebhookURL() string { return o.host + LifecycleWebhookPath }

// DesiredSubscriptions is the complete set of lifecycle registrations a tenant must have.
func (o *Orchestrator) DesiredSubscriptions(userID int64) []portal.Subscription {
	return []portal.Subscription{
		{Event: portal.EventAppInstall, Handler: o.WebhookURL(), UserID: userID},
		{Event: portal.EventAppUninstall, Handler: o.WebhookURL(), UserID: userID},
	}
}

// BeginInstall runs step one of the handshake from the frontend placement
// payload. On failure no account is active and any installation written by
// this call is marked failed; nothing is retried.
func (o *Orchestrator) BeginInstall(ctx context.Context, p FrontendPayload) (account.Installation, error) {
	ctx = obs.With(ctx, "member_id", p.MemberID, "domain", p.Domain)
	errb := oops.In("installation").With("member_id", p.MemberID, "domain", p.Domain, "step", "begin")
	fail := func(err error, msg string) (account.Installation, error) {
		obs.ObserveInstall("begin", "failed")
		obs.Logger().ErrorContext(ctx, "install handshake failed", "stage", msg, obs.Err(err))
		return account.Installation{}, errb.Wrapf(err, "%s", msg)
	}

	now := o.now()
	auth := p.Auth(now)
	api, err := o.clients.FromFrontend(auth)
	if err != nil {
		return fail(err, "open portal client")
	}
	profile, err := api.CurrentUserProfile(ctx)
	if err != nil {
		return fail(err, "fetch current user profile")
	}
	info, err := api.ApplicationInfo(ctx)
	if err != nil {
		return fail(err, "fetch application info")
	}
	users, err := api.CountUsers(ctx)
	if err != nil {
		return fail(err, "count portal users")
	}

	acc, err := o.store.FindLiveByMemberID(ctx, p.MemberID)
	switch {
	case err == nil:
		if _, err := NewLifecycle(acc.Status).Fire(ctx, EventBegin); err != nil {
			return fail(errors.Join(ErrAlreadyInstalled, err), "check account state")
		}
		// A retried handshake supersedes earlier attempts.
		if n, err := o.store.FailPendingInstallations(ctx, acc.ID); err != nil {
			return fail(err, "supersede pending installations")
		} else if n > 0 {
			obs.Logger().InfoContext(ctx, "superseded pending installations", "count", n)
		}
	case errors.Is(err, account.ErrNotFound):
		status, ferr := NewLifecycle("").Fire(ctx, EventBegin)
		if ferr != nil {
			return fail(ferr, "check account state")
		}
		acc, err = o.store.CreateAccount(ctx, account.TenantAccount{
			MemberID:           p.MemberID,
			Domain:             p.Domain,
			Status:             status,
			Credential:         auth.Credential(now),
			Scope:              o.scope,
			ApplicationVersion: info.Version,
			RemoteUserID:       profile.ID,
			IsRemoteAdmin:      profile.Admin,
		})
		if err != nil {
			return fail(err, "create account")
		}
	default:
		return fail(err, "look up account")
	}

	inst, err := o.store.CreateInstallation(ctx, account.Installation{
		AccountID:         acc.ID,
		LicenseFamily:     info.LicenseFamily,
		PortalUsersCount:  users,
		ApplicationStatus: info.Status,
	})
	if err != nil {
		return fail(err, "create installation")
	}
	ctx = obs.With(ctx, "installation_id", inst.ID)

	synced, err := api.ReconcileSubscriptions(ctx, o.DesiredSubscriptions(profile.ID))
	if err != nil {
		if merr := o.store.MarkInstallationFailed(ctx, inst.ID); merr != nil {
			obs.Logger().ErrorContext(ctx, "mark installation failed", obs.Err(merr))
		}
		return fail(err, "reconcile event subscriptions")
	}

	obs.ObserveInstall("begin", "pending")
	_ = audit.LogEvent(ctx, "installation.begin", map[string]any{
		"account_id":      acc.ID,
		"installation_id": inst.ID,
		"license_family":  info.LicenseFamily,
		"users":           users,
		"bound":           synced.Bound,
		"unbound":         synced.Unbound,
	})
	return inst, nil
}

// FinishInstall runs step two when the portal confirms the installation. It
// is idempotent for redeliveries carrying the same application token.
func (o *Orchestrator) FinishInstall(ctx context.Context, auth portal.AuthData) (Outcome, error) {
	ctx = obs.With(ctx, "member_id", auth.MemberID, "domain", auth.Domain)
	errb := oops.In("installation").With("member_id", auth.MemberID, "domain", auth.Domain, "step", "finish")

	if strings.TrimSpace(auth.ApplicationToken) == "" {
		obs.ObserveInstall("finish", "rejected")
		return "", errb.Wrapf(ErrInvalidPayload, "application token missing")
	}

	acc, inst, err := o.latest(ctx, auth.MemberID)
	if errors.Is(err, account.ErrNotFound) {
		return o.unknown(ctx, "no live account or installation"), nil
	}
	if err != nil {
		obs.ObserveInstall("finish", "failed")
		return "", errb.Wrapf(err, "load installation")
	}
	if account.NormalizeDomain(acc.Domain) != account.NormalizeDomain(auth.Domain) {
		obs.ObserveInstall("finish", "rejected")
		return "", errb.With("stored_domain", acc.Domain).Wrapf(ErrCredentialMismatch, "domain mismatch")
	}

	switch inst.Status {
	case account.InstallationCompleted:
		return o.alreadyCompleted(ctx, errb, inst, auth.ApplicationToken)
	case account.InstallationFailed:
		return o.unknown(ctx, "latest installation failed"), nil
	}

	lc := NewLifecycle(acc.Status)
	if !lc.Can(EventFinish) {
		obs.ObserveInstall("finish", "rejected")
		return "", errb.With("status", acc.Status).Wrapf(ErrInvalidTransition, "finish from %s", acc.Status)
	}
	err = o.store.CompleteInstallation(ctx, inst.ID, acc.ID, auth.ApplicationToken)
	if errors.Is(err, account.ErrConflict) {
		// Lost a race with a concurrent redelivery.
		if _, inst, lerr := o.latest(ctx, auth.MemberID); lerr == nil && inst.Status == account.InstallationCompleted {
			return o.alreadyCompleted(ctx, errb, inst, auth.ApplicationToken)
		}
	}
	if err != nil {
		obs.ObserveInstall("finish", "failed")
		if merr := o.store.MarkInstallationFailed(ctx, inst.ID); merr != nil {
			obs.Logger().ErrorContext(ctx, "mark installation failed", obs.Err(merr))
		}
		return "", errb.Wrapf(err, "complete installation")
	}
	if _, err := lc.Fire(ctx, EventFinish); err != nil {
		return "", errb.Wrap(err)
	}

	obs.ObserveInstall("finish", string(OutcomeCompleted))
	_ = audit.LogEvent(ctx, "installation.completed", map[string]any{
		"account_id":      acc.ID,
		"installation_id": inst.ID,
	})
	return OutcomeCompleted, nil
}

func (o *Orchestrator) latest(ctx context.Context, memberID string) (account.TenantAccount, account.Installation, error) {
	acc, err := o.store.FindLiveByMemberID(ctx, memberID)
	if err != nil {
		return account.TenantAccount{}, account.Installation{}, err
	}
	inst, err := o.store.LatestInstallation(ctx, acc.ID)
	if err != nil {
		return acc, account.Installation{}, err
	}
	return acc, inst, nil
}

func (o *Orchestrator) unknown(ctx context.Context, reason string) Outcome {
	obs.ObserveInstall("finish", string(OutcomeUnknownInstallation))
	obs.Logger().WarnContext(ctx, "install finished for unknown installation", "reason", reason)
	return OutcomeUnknownInstallation
}

func (o *Orchestrator) alreadyCompleted(ctx context.Context, errb oops.OopsErrorBuilder, inst account.Installation, token string) (Outcome, error) {
	if subtle.ConstantTimeCompare([]byte(inst.Token()), []byte(token)) != 1 {
		obs.ObserveInstall("finish", "rejected")
		return "", errb.With("installation_id", inst.ID).Wrapf(ErrCredentialMismatch, "application token differs from completed installation")
	}
	obs.ObserveInstall("finish", string(OutcomeAlreadyCompleted))
	obs.Logger().InfoContext(ctx, "install finished redelivered", "installation_id", inst.ID)
	return OutcomeAlreadyCompleted, nil
}

// Uninstall marks the live account deleted. Repeating it is a no-op.
func (o *Orchestrator) Uninstall(ctx context.Context, auth portal.AuthData) (Outcome, error) {
	ctx = obs.With(ctx, "member_id", auth.MemberID, "domain", auth.Domain)
	return o.terminate(ctx, auth.MemberID, EventUninstall, OutcomeUninstalled)
}

// Block is the operator action that disables a tenant.
func (o *Orchestrator) Block(ctx context.Context, memberID string) (Outcome, error) {
	ctx = obs.With(ctx, "member_id", memberID)
	return o.terminate(ctx, memberID, EventBlock, OutcomeBlocked)
}

func (o *Orchestrator) terminate(ctx context.Context, memberID, event string, done Outcome) (Outcome, error) {
	errb := oops.In("installation").With("member_id", memberID, "step", event)
	acc, err := o.store.FindLiveByMemberID(ctx, memberID)
	if errors.Is(err, account.ErrNotFound) {
		obs.Logger().InfoContext(ctx, "no live account, nothing to do", "event", event)
		return OutcomeAlreadyApplied, nil
	}
	if err != nil {
		return "", errb.Wrapf(err, "look up account")
	}

	status, err := NewLifecycle(acc.Status).Fire(ctx, event)
	if err != nil {
		return "", errb.Wrap(err)
	}
	if err := o.store.SetAccountStatus(ctx, acc.ID, status, acc.Status); err != nil {
		if errors.Is(err, account.ErrConflict) {
			// A concurrent delivery got there first.
			if cur, gerr := o.store.GetAccount(ctx, acc.ID); gerr == nil && !cur.Status.Live() {
				return OutcomeAlreadyApplied, nil
			}
		}
		return "", errb.Wrapf(err, "set account status")
	}
	if _, err := o.store.FailPendingInstallations(ctx, acc.ID); err != nil {
		obs.Logger().WarnContext(ctx, "close pending installations", obs.Err(err))
	}

	_ = audit.LogEvent(ctx, "account."+string(status), map[string]any{
		"account_id":  acc.ID,
		"from_status": string(acc.Status),
	})
	return done, nil
}
