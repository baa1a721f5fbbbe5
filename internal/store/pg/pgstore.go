// Package pg implements the account store on PostgreSQL through the pgx
// database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"b24app.dev/internal/account"
	"b24app.dev/internal/ids"
)

const pgErrUniqueViolation = "23505"

const accountColumns = `id, member_id, domain, status, access_token, refresh_token, expires_at, expires_in,
	scope, application_version, coalesce(application_token, ''), remote_user_id, is_remote_admin, comment,
	created_at, updated_at`

const installationColumns = `id, account_id, status, contact_person_id, partner_contact_person_id, partner_id,
	external_id, license_family, portal_users_count, application_status, application_token, comment,
	created_at, updated_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ account.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle (tests pass a sqlmock connection).
func New(db *sql.DB) *Store {
	return &Store{db: db, now: account.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateAccount(ctx context.Context, acc account.TenantAccount) (account.TenantAccount, error) {
	if strings.TrimSpace(acc.MemberID) == "" || strings.TrimSpace(acc.Domain) == "" {
		return account.TenantAccount{}, account.ErrInvalidInput
	}
	if acc.Status == "" {
		acc.Status = account.StatusNew
	}
	acc.ID = ids.New()
	acc.CreatedAt = s.now()
	acc.UpdatedAt = acc.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		insert into tenant_account (id, member_id, domain, status, access_token, refresh_token, expires_at, expires_in,
			scope, application_version, application_token, remote_user_id, is_remote_admin, comment, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,nullif($11,''),$12,$13,$14,$15,$16)
	`, acc.ID, acc.MemberID, acc.Domain, string(acc.Status), acc.Credential.AccessToken, acc.Credential.RefreshToken,
		acc.Credential.ExpiresAt, acc.Credential.ExpiresIn, strings.Join(acc.Scope, ","), acc.ApplicationVersion,
		acc.ApplicationToken, acc.RemoteUserID, acc.IsRemoteAdmin, acc.Comment, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return account.TenantAccount{}, account.ErrConflict
		}
		return account.TenantAccount{}, err
	}
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.TenantAccount, error) {
	return s.queryAccount(ctx, `select `+accountColumns+` from tenant_account where id = $1`, id)
}

func (s *Store) FindLiveByMemberID(ctx context.Context, memberID string) (account.TenantAccount, error) {
	return s.queryAccount(ctx, `
		select `+accountColumns+` from tenant_account
		where member_id = $1 and status in ('new', 'active')
	`, memberID)
}

func (s *Store) FindActiveByDomain(ctx context.Context, domain string) (account.TenantAccount, error) {
	return s.queryAccount(ctx, `
		select `+accountColumns+` from tenant_account
		where lower(domain) = $1 and status = 'active'
		order by updated_at desc
		limit 1
	`, account.NormalizeDomain(domain))
}

func (s *Store) ListAccounts(ctx context.Context, limit int) ([]account.TenantAccount, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+` from tenant_account
		order by created_at desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []account.TenantAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, acc)
	}
	return res, rows.Err()
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status account.Status, from ...account.Status) error {
	if !status.Valid() {
		return account.ErrInvalidInput
	}
	query := `update tenant_account set status = $2, updated_at = $3 where id = $1`
	args := []any{id, string(status), s.now()}
	if len(from) > 0 {
		marks := make([]string, 0, len(from))
		for _, st := range from {
			args = append(args, string(st))
			marks = append(marks, fmt.Sprintf("$%d", len(args)))
		}
		query += ` and status in (` + strings.Join(marks, ", ") + `)`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return account.ErrConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return err
		}
		return account.ErrConflict
	}
	return nil
}

func (s *Store) UpdateCredential(ctx context.Context, id string, cred account.Credential) error {
	res, err := s.db.ExecContext(ctx, `
		update tenant_account
		set access_token = $2, refresh_token = $3, expires_at = $4, expires_in = $5, updated_at = $6
		where id = $1
	`, id, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.ExpiresIn, s.now())
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) CreateInstallation(ctx context.Context, inst account.Installation) (account.Installation, error) {
	inst.ID = ids.New()
	inst.Status = account.InstallationPending
	inst.ApplicationToken = nil
	inst.CreatedAt = s.now()
	inst.UpdatedAt = inst.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		insert into application_installation (id, account_id, status, contact_person_id, partner_contact_person_id,
			partner_id, external_id, license_family, portal_users_count, application_status, comment, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, inst.ID, inst.AccountID, string(inst.Status), nullInt(inst.ContactPersonID), nullInt(inst.PartnerContactPersonID),
		nullInt(inst.PartnerID), inst.ExternalID, inst.LicenseFamily, inst.PortalUsersCount, inst.ApplicationStatus,
		inst.Comment, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == "23503" {
			return account.Installation{}, account.ErrNotFound
		}
		return account.Installation{}, err
	}
	return inst, nil
}

func (s *Store) LatestInstallation(ctx context.Context, accountID string) (account.Installation, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+installationColumns+` from application_installation
		where account_id = $1
		order by created_at desc, id desc
		limit 1
	`, accountID)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Installation{}, account.ErrNotFound
	}
	return inst, err
}

func (s *Store) MarkInstallationFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		update application_installation set status = 'failed', updated_at = $2
		where id = $1 and status = 'pending'
	`, id, s.now())
	return err
}

func (s *Store) FailPendingInstallations(ctx context.Context, accountID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update application_installation set status = 'failed', updated_at = $2
		where account_id = $1 and status = 'pending'
	`, accountID, s.now())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CompleteInstallation(ctx context.Context, installationID, accountID, applicationToken string) error {
	if applicationToken == "" {
		return account.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		update application_installation
		set status = 'completed', application_token = $3, updated_at = $4
		where id = $1 and account_id = $2 and status = 'pending' and application_token is null
	`, installationID, accountID, applicationToken, now)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return conflictIfMissing(err)
	}
	res, err = tx.ExecContext(ctx, `
		update tenant_account
		set status = 'active', application_token = $2, updated_at = $3
		where id = $1 and status = 'new'
	`, accountID, applicationToken, now)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return conflictIfMissing(err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryAccount(ctx context.Context, query string, args ...any) (account.TenantAccount, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return account.TenantAccount{}, account.ErrNotFound
	}
	return acc, err
}

func scanAccount(row rowScanner) (account.TenantAccount, error) {
	var (
		acc    account.TenantAccount
		status string
		scope  string
	)
	err := row.Scan(&acc.ID, &acc.MemberID, &acc.Domain, &status, &acc.Credential.AccessToken, &acc.Credential.RefreshToken,
		&acc.Credential.ExpiresAt, &acc.Credential.ExpiresIn, &scope, &acc.ApplicationVersion, &acc.ApplicationToken,
		&acc.RemoteUserID, &acc.IsRemoteAdmin, &acc.Comment, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return account.TenantAccount{}, err
	}
	acc.Status = account.Status(status)
	if scope != "" {
		acc.Scope = strings.Split(scope, ",")
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func scanInstallation(row rowScanner) (account.Installation, error) {
	var (
		inst   account.Installation
		status string
		token  sql.NullString
	)
	var contact, partnerContact, pid sql.NullInt64
	err := row.Scan(&inst.ID, &inst.AccountID, &status, &contact, &partnerContact, &pid, &inst.ExternalID,
		&inst.LicenseFamily, &inst.PortalUsersCount, &inst.ApplicationStatus, &token, &inst.Comment,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return account.Installation{}, err
	}
	inst.Status = account.InstallationStatus(status)
	inst.ContactPersonID = fromNullInt(contact)
	inst.PartnerContactPersonID = fromNullInt(partnerContact)
	inst.PartnerID = fromNullInt(pid)
	if token.Valid {
		tok := token.String
		inst.ApplicationToken = &tok
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return inst, nil
}

var errNoRowsAffected = errors.New("no rows affected")

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %w", account.ErrNotFound, errNoRowsAffected)
	}
	return nil
}

func conflictIfMissing(err error) error {
	if errors.Is(err, errNoRowsAffected) {
		return account.ErrConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
