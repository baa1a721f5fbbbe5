package account

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a tenant account.
type Status string

const (
	StatusNew     Status = "new"
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
	StatusDeleted Status = "deleted"
)

// Live reports whether the status counts towards the one-account-per-member rule.
func (s Status) Live() bool { return s == StatusNew || s == StatusActive }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusBlocked, StatusDeleted:
		return true
	}
	return false
}

// InstallationStatus is the state of one install handshake.
type InstallationStatus string

const (
	InstallationPending   InstallationStatus = "pending"
	InstallationCompleted InstallationStatus = "completed"
	InstallationFailed    InstallationStatus = "failed"
)

// Credential is the OAuth credential issued by the remote platform for a tenant.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// Expiry returns ExpiresAt as a time; zero when unknown.
func (c Credential) Expiry() time.Time {
	if c.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0).UTC()
}

// TenantAccount is the local record of one installed portal.
type TenantAccount struct {
	ID                 string     `json:"id"`
	MemberID           string     `json:"member_id"`
	Domain             string     `json:"domain"`
	Status             Status     `json:"status"`
	Credential         Credential `json:"-"`
	Scope              []string   `json:"scope"`
	ApplicationVersion int        `json:"application_version"`
	ApplicationToken   string     `json:"-"`
	RemoteUserID       int64      `json:"remote_user_id"`
	IsRemoteAdmin      bool       `json:"is_remote_admin"`
	Comment            string     `json:"comment,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Installation is one install handshake for an account.
type Installation struct {
	ID                     string             `json:"id"`
	AccountID              string             `json:"account_id"`
	Status                 InstallationStatus `json:"status"`
	ContactPersonID        *int64             `json:"contact_person_id,omitempty"`
	PartnerContactPersonID *int64             `json:"partner_contact_person_id,omitempty"`
	PartnerID              *int64             `json:"partner_id,omitempty"`
	ExternalID             string             `json:"external_id,omitempty"`
	LicenseFamily          string             `json:"license_family"`
	PortalUsersCount       int                `json:"portal_users_count"`
	ApplicationStatus      string             `json:"application_status"`
	// ApplicationToken stays nil until the handshake completes and never changes afterwards.
	ApplicationToken *string   `json:"-"`
	Comment          string    `json:"comment,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Token returns the application token or "" while the installation is pending.
func (i Installation) Token() string {
	if i.ApplicationToken == nil {
		return ""
	}
	return *i.ApplicationToken
}

// NormalizeDomain lower-cases a portal domain and strips any scheme or path.
func NormalizeDomain(raw string) string {
	d := strings.TrimSpace(raw)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return strings.ToLower(d)
}

// Now is the store timestamp: UTC with millisecond precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
