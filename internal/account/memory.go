package account

import (
	"context"
	"slices"
	"strings"
	"sync"

	"b24app.dev/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs tests
// and the API server when no database DSN is configured.
type InMemory struct {
	mu       sync.RWMutex
	accts    map[string]*TenantAccount
	live     map[string]string // member id -> account id
	insts    map[string]*Installation
	byAcct   map[string][]string // account id -> installation ids, oldest first
	accOrder []string
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		accts:  make(map[string]*TenantAccount),
		live:   make(map[string]string),
		insts:  make(map[string]*Installation),
		byAcct: make(map[string][]string),
	}
}

func (s *InMemory) CreateAccount(ctx context.Context, acc TenantAccount) (TenantAccount, error) {
	if strings.TrimSpace(acc.MemberID) == "" || strings.TrimSpace(acc.Domain) == "" {
		return TenantAccount{}, ErrInvalidInput
	}
	if acc.Status == "" {
		acc.Status = StatusNew
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc.Status.Live() {
		if _, taken := s.live[acc.MemberID]; taken {
			return TenantAccount{}, ErrConflict
		}
	}
	now := Now()
	acc.ID = ids.New()
	acc.CreatedAt, acc.UpdatedAt = now, now
	acc.Scope = slices.Clone(acc.Scope)
	s.accts[acc.ID] = &acc
	s.accOrder = append(s.accOrder, acc.ID)
	if acc.Status.Live() {
		s.live[acc.MemberID] = acc.ID
	}
	return copyAccount(&acc), nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (TenantAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return TenantAccount{}, ErrNotFound
	}
	return copyAccount(acc), nil
}

func (s *InMemory) FindLiveByMemberID(ctx context.Context, memberID string) (TenantAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.live[memberID]
	if !ok {
		return TenantAccount{}, ErrNotFound
	}
	return copyAccount(s.accts[id]), nil
}

func (s *InMemory) FindActiveByDomain(ctx context.Context, domain string) (TenantAccount, error) {
	domain = NormalizeDomain(domain)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.live {
		acc := s.accts[id]
		if acc.Status == StatusActive && NormalizeDomain(acc.Domain) == domain {
			return copyAccount(acc), nil
		}
	}
	return TenantAccount{}, ErrNotFound
}

func (s *InMemory) ListAccounts(ctx context.Context, limit int) ([]TenantAccount, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]TenantAccount, 0, min(limit, len(s.accOrder)))
	for i := len(s.accOrder) - 1; i >= 0 && len(res) < limit; i-- {
		res = append(res, copyAccount(s.accts[s.accOrder[i]]))
	}
	return res, nil
}

func (s *InMemory) SetAccountStatus(ctx context.Context, id string, status Status, from ...Status) error {
	if !status.Valid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return ErrNotFound
	}
	if len(from) > 0 && !slices.Contains(from, acc.Status) {
		return ErrConflict
	}
	if status.Live() && !acc.Status.Live() {
		if _, taken := s.live[acc.MemberID]; taken {
			return ErrConflict
		}
	}
	acc.Status = status
	acc.UpdatedAt = Now()
	if status.Live() {
		s.live[acc.MemberID] = acc.ID
	} else if s.live[acc.MemberID] == acc.ID {
		delete(s.live, acc.MemberID)
	}
	return nil
}

func (s *InMemory) UpdateCredential(ctx context.Context, id string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return ErrNotFound
	}
	acc.Credential = cred
	acc.UpdatedAt = Now()
	return nil
}

func (s *InMemory) CreateInstallation(ctx context.Context, inst Installation) (Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accts[inst.AccountID]; !ok {
		return Installation{}, ErrNotFound
	}
	now := Now()
	inst.ID = ids.New()
	inst.Status = InstallationPending
	inst.ApplicationToken = nil
	inst.CreatedAt, inst.UpdatedAt = now, now
	s.insts[inst.ID] = &inst
	s.byAcct[inst.AccountID] = append(s.byAcct[inst.AccountID], inst.ID)
	return inst, nil
}

func (s *InMemory) LatestInstallation(ctx context.Context, accountID string) (Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byAcct[accountID]
	if len(list) == 0 {
		return Installation{}, ErrNotFound
	}
	return copyInstallation(s.insts[list[len(list)-1]]), nil
}

func (s *InMemory) MarkInstallationFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.insts[id]
	if !ok {
		return ErrNotFound
	}
	if inst.Status == InstallationPending {
		inst.Status = InstallationFailed
		inst.UpdatedAt = Now()
	}
	return nil
}

func (s *InMemory) FailPendingInstallations(ctx context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := Now()
	for _, id := range s.byAcct[accountID] {
		if inst := s.insts[id]; inst.Status == InstallationPending {
			inst.Status = InstallationFailed
			inst.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *InMemory) CompleteInstallation(ctx context.Context, installationID, accountID, applicationToken string) error {
	if applicationToken == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.insts[installationID]
	if !ok || inst.AccountID != accountID {
		return ErrNotFound
	}
	acc, ok := s.accts[accountID]
	if !ok {
		return ErrNotFound
	}
	if inst.Status != InstallationPending || acc.Status != StatusNew {
		return ErrConflict
	}
	now := Now()
	tok := applicationToken
	inst.Status = InstallationCompleted
	inst.ApplicationToken = &tok
	inst.UpdatedAt = now
	acc.Status = StatusActive
	acc.ApplicationToken = applicationToken
	acc.UpdatedAt = now
	return nil
}

// Installations returns every installation of the account, oldest first.
func (s *InMemory) Installations(accountID string) []Installation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Installation, 0, len(s.byAcct[accountID]))
	for _, id := range s.byAcct[accountID] {
		out = append(out, copyInstallation(s.insts[id]))
	}
	return out
}

func copyAccount(a *TenantAccount) TenantAccount {
	out := *a
	out.Scope = slices.Clone(a.Scope)
	return out
}

func copyInstallation(i *Installation) Installation {
	out := *i
	if i.ApplicationToken != nil {
		tok := *i.ApplicationToken
		out.ApplicationToken = &tok
	}
	return out
}
