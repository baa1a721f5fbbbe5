// Package account holds the tenant data model and the persistence contract
// shared by the installation orchestrator, the webhook router and the portal
// client factory.
package account

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("account: not found")
	// ErrConflict signals a uniqueness or state precondition failure. Callers
	// never overwrite on conflict.
	ErrConflict     = errors.New("account: conflict")
	ErrInvalidInput = errors.New("account: invalid input")
)

// Store persists tenant accounts and their installation records. The store is
// the only serialization point: implementations enforce at most one live
// (new or active) account per member id.
type Store interface {
	// CreateAccount inserts a new account. ErrConflict when a live account
	// already exists for the member id.
	CreateAccount(ctx context.Context, acc TenantAccount) (TenantAccount, error)
	GetAccount(ctx context.Context, id string) (TenantAccount, error)
	// FindLiveByMemberID returns the new or active account for memberID.
	FindLiveByMemberID(ctx context.Context, memberID string) (TenantAccount, error)
	// FindActiveByDomain returns the active account for a portal domain.
	FindActiveByDomain(ctx context.Context, domain string) (TenantAccount, error)
	ListAccounts(ctx context.Context, limit int) ([]TenantAccount, error)
	// SetAccountStatus moves the account from one of the allowed statuses to
	// status. ErrConflict when the current status is not in from.
	SetAccountStatus(ctx context.Context, id string, status Status, from ...Status) error
	// UpdateCredential overwrites the OAuth credential after a token refresh.
	UpdateCredential(ctx context.Context, id string, cred Credential) error

	CreateInstallation(ctx context.Context, inst Installation) (Installation, error)
	// LatestInstallation returns the most recent installation for the account.
	LatestInstallation(ctx context.Context, accountID string) (Installation, error)
	// MarkInstallationFailed moves a pending installation to failed. No-op otherwise.
	MarkInstallationFailed(ctx context.Context, id string) error
	// FailPendingInstallations marks every pending installation of the account failed.
	FailPendingInstallations(ctx context.Context, accountID string) (int, error)
	// CompleteInstallation atomically completes a pending installation and
	// activates its new account, storing the application token on both.
	// ErrConflict when either precondition no longer holds.
	CompleteInstallation(ctx context.Context, installationID, accountID, applicationToken string) error
}
