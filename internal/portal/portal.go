// Package portal talks to the remote platform REST API on behalf of one
// tenant portal.
package portal

import (
	"context"
	"errors"
	"strings"
	"time"

	"b24app.dev/internal/account"
)

var (
	// ErrRemote marks every failure reported by, or on the way to, the remote platform.
	ErrRemote         = errors.New("portal: remote call failed")
	ErrNoCredential   = errors.New("portal: no usable credential")
	ErrInvalidAddress = errors.New("portal: invalid portal address")
)

// Lifecycle event codes the application subscribes to during installation.
const (
	EventAppInstall   = "ONAPPINSTALL"
	EventAppUninstall = "ONAPPUNINSTALL"
)

// AuthData is the credential block delivered by the frontend placement or by
// an inbound event. It is never persisted as-is.
type AuthData struct {
	Domain           string
	Protocol         string // "https" unless the portal reported plain http
	MemberID         string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        int64 // unix seconds, 0 when unknown
	ExpiresIn        int64 // seconds
	ApplicationToken string
	Scope            []string
	ClientEndpoint   string
	UserID           int64
	Status           string
}

// Credential converts the auth block into the stored credential shape.
func (a AuthData) Credential(now time.Time) account.Credential {
	c := account.Credential{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    a.ExpiresAt,
		ExpiresIn:    a.ExpiresIn,
	}
	if c.ExpiresAt == 0 && c.ExpiresIn > 0 {
		c.ExpiresAt = now.Add(time.Duration(c.ExpiresIn) * time.Second).Unix()
	}
	return c
}

// Subscription is one remote event registration.
type Subscription struct {
	Event   string `json:"event"`
	Handler string `json:"handler"`
	// UserID is the portal user whose rights the handler runs with; 0 keeps the portal default.
	UserID int64 `json:"-"`
}

func (s Subscription) key() string {
	return strings.ToUpper(strings.TrimSpace(s.Event)) + "\x00" + strings.TrimSpace(s.Handler)
}

// SyncResult counts the changes made by ReconcileSubscriptions.
type SyncResult struct {
	Bound   int `json:"bound"`
	Unbound int `json:"unbound"`
}

// Profile is the current user as reported by the portal.
type Profile struct {
	ID       int64
	Admin    bool
	Name     string
	LastName string
}

// AppInfo describes the application installation as seen by the portal.
type AppInfo struct {
	ID            int64
	Code          string
	Version       int
	Status        string
	Installed     bool
	LicenseFamily string
}

// API is the subset of the remote REST surface the application uses.
type API interface {
	Domain() string
	CurrentUserProfile(ctx context.Context) (Profile, error)
	ApplicationInfo(ctx context.Context) (AppInfo, error)
	CountUsers(ctx context.Context) (int, error)
	EventHandlers(ctx context.Context) ([]Subscription, error)
	Bind(ctx context.Context, sub Subscription) error
	Unbind(ctx context.Context, sub Subscription) error
	UnbindAll(ctx context.Context) (int, error)
	// ReconcileSubscriptions makes the remote registrations equal to desired.
	ReconcileSubscriptions(ctx context.Context, desired []Subscription) (SyncResult, error)
	GetContact(ctx context.Context, id int64) (map[string]any, error)
	AddContact(ctx context.Context, fields map[string]any) (int64, error)
	Call(ctx context.Context, method string, params any, out any) error
}

// ClientFactory opens API clients from the three credential sources.
type ClientFactory interface {
	// FromFrontend builds a transient client from a placement payload credential.
	FromFrontend(auth AuthData) (API, error)
	// FromEvent builds a transient client from an inbound event credential.
	FromEvent(auth AuthData) (API, error)
	// FromAccount builds a client from a stored account; renewed tokens are persisted.
	FromAccount(acc account.TenantAccount) (API, error)
}
