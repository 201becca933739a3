package auth

import (
	"context"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for tests. Rotation implements the
// same consume-if-unused contract as the SQL store, under a mutex, so
// concurrency properties can be exercised for real.
type fakeStore struct {
	mu          sync.Mutex
	principals  map[string]*Principal
	tenants     map[string]*Tenant
	memberships map[string]map[string]*Membership
	countries   map[string][]string
	refresh     map[string]*RefreshToken
	apiTokens   map[string]*APIToken
	twoFactor   map[string]*TwoFactorRecord
	features    map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		principals:  make(map[string]*Principal),
		tenants:     make(map[string]*Tenant),
		memberships: make(map[string]map[string]*Membership),
		countries:   make(map[string][]string),
		refresh:     make(map[string]*RefreshToken),
		apiTokens:   make(map[string]*APIToken),
		twoFactor:   make(map[string]*TwoFactorRecord),
		features:    make(map[string][]string),
	}
}

func (s *fakeStore) addPrincipal(p *Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
}

func (s *fakeStore) addTenant(t *Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

func (s *fakeStore) addMembership(m *Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberships[m.PrincipalID] == nil {
		s.memberships[m.PrincipalID] = make(map[string]*Membership)
	}
	s.memberships[m.PrincipalID][m.TenantID] = m
}

func (s *fakeStore) removeMembership(principalID, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships[principalID], tenantID)
}

func (s *fakeStore) Principals(context.Context) PrincipalStore             { return fakePrincipals{s} }
func (s *fakeStore) Tenants(context.Context) TenantStore                   { return fakeTenants{s} }
func (s *fakeStore) Memberships(context.Context) MembershipStore           { return fakeMemberships{s} }
func (s *fakeStore) CountryAssignments(context.Context) CountryAssignmentStore {
	return fakeCountries{s}
}
func (s *fakeStore) RefreshTokens(context.Context) RefreshTokenStore { return fakeRefresh{s} }
func (s *fakeStore) APITokens(context.Context) APITokenStore         { return fakeAPITokens{s} }
func (s *fakeStore) TwoFactor(context.Context) TwoFactorStore        { return fakeTwoFactor{s} }
func (s *fakeStore) Features(context.Context) FeatureStore           { return fakeFeatures{s} }

type fakePrincipals struct{ s *fakeStore }

func (f fakePrincipals) Find(_ context.Context, id string) (*Principal, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if p, ok := f.s.principals[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f fakePrincipals) FindByEmail(_ context.Context, email string) (*Principal, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range f.s.principals {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

type fakeTenants struct{ s *fakeStore }

func (f fakeTenants) Find(_ context.Context, id string) (*Tenant, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if t, ok := f.s.tenants[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrNotFound
}

type fakeMemberships struct{ s *fakeStore }

func (f fakeMemberships) Active(_ context.Context, principalID, tenantID string) (*Membership, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if m, ok := f.s.memberships[principalID][tenantID]; ok && m.IsActive {
		cp := *m
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f fakeMemberships) ListActive(_ context.Context, principalID string) ([]Membership, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []Membership
	for _, m := range f.s.memberships[principalID] {
		if m.IsActive {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f fakeMemberships) SetDefault(_ context.Context, principalID, tenantID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, m := range f.s.memberships[principalID] {
		m.IsDefault = m.TenantID == tenantID
	}
	return nil
}

type fakeCountries struct{ s *fakeStore }

func (f fakeCountries) Countries(_ context.Context, adminID string) ([]string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return append([]string(nil), f.s.countries[adminID]...), nil
}

type fakeRefresh struct{ s *fakeStore }

func (f fakeRefresh) Create(_ context.Context, tok *RefreshToken) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *tok
	f.s.refresh[tok.ID] = &cp
	return nil
}

func (f fakeRefresh) Rotate(_ context.Context, id, providedHash string, next *RefreshToken) (*RefreshToken, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	tok, ok := f.s.refresh[id]
	if !ok || tok.TokenHash != providedHash {
		return nil, ErrRefreshInvalid
	}
	if tok.RevokedAt != nil {
		return &RefreshToken{ID: tok.ID, FamilyID: tok.FamilyID}, ErrTokenReuseDetected
	}
	now := time.Now().UTC()
	if !tok.ExpiresAt.After(now) {
		return nil, ErrRefreshInvalid
	}
	tok.RevokedAt = &now
	tok.ReplacedByID = next.ID
	next.PrincipalID = tok.PrincipalID
	next.TenantID = tok.TenantID
	next.FamilyID = tok.FamilyID
	cp := *next
	f.s.refresh[next.ID] = &cp
	old := *tok
	return &old, nil
}

func (f fakeRefresh) RevokeFamily(_ context.Context, familyID string) (int64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, tok := range f.s.refresh {
		if tok.FamilyID == familyID && tok.RevokedAt == nil {
			tok.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (f fakeRefresh) RevokeAll(_ context.Context, principalID, tenantID string) (int64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, tok := range f.s.refresh {
		if tok.PrincipalID != principalID || tok.RevokedAt != nil {
			continue
		}
		if tenantID != "" && tok.TenantID != tenantID {
			continue
		}
		if tok.ExpiresAt.After(now) {
			tok.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (f fakeRefresh) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var n int64
	for id, tok := range f.s.refresh {
		if tok.ExpiresAt.Before(before) {
			delete(f.s.refresh, id)
			n++
		}
	}
	return n, nil
}

type fakeAPITokens struct{ s *fakeStore }

func (f fakeAPITokens) Create(_ context.Context, tok *APIToken) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *tok
	f.s.apiTokens[tok.ID] = &cp
	return nil
}

func (f fakeAPITokens) List(_ context.Context, principalID, tenantID string) ([]APIToken, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []APIToken
	for _, tok := range f.s.apiTokens {
		if tok.PrincipalID == principalID && tok.TenantID == tenantID {
			out = append(out, *tok)
		}
	}
	return out, nil
}

func (f fakeAPITokens) Revoke(_ context.Context, id, principalID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	tok, ok := f.s.apiTokens[id]
	if !ok || tok.PrincipalID != principalID || tok.RevokedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	tok.RevokedAt = &now
	return nil
}

func (f fakeAPITokens) FindByHash(_ context.Context, hash string) (*APIToken, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, tok := range f.s.apiTokens {
		if tok.TokenHash == hash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f fakeAPITokens) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if tok, ok := f.s.apiTokens[id]; ok {
		tok.LastUsedAt = &at
	}
	return nil
}

type fakeTwoFactor struct{ s *fakeStore }

func (f fakeTwoFactor) Get(_ context.Context, principalID string) (*TwoFactorRecord, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if rec, ok := f.s.twoFactor[principalID]; ok {
		cp := *rec
		cp.BackupCodeHashes = append([]string(nil), rec.BackupCodeHashes...)
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f fakeTwoFactor) Save(_ context.Context, rec *TwoFactorRecord) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *rec
	cp.BackupCodeHashes = append([]string(nil), rec.BackupCodeHashes...)
	f.s.twoFactor[rec.PrincipalID] = &cp
	return nil
}

func (f fakeTwoFactor) MarkUsedStep(_ context.Context, principalID string, step int64, at time.Time) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	rec, ok := f.s.twoFactor[principalID]
	if !ok || rec.LastUsedStep >= step {
		return false, nil
	}
	rec.LastUsedStep = step
	rec.LastUsedAt = &at
	return true, nil
}

func (f fakeTwoFactor) ConsumeBackupCode(_ context.Context, principalID, hash string) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	rec, ok := f.s.twoFactor[principalID]
	if !ok {
		return false, nil
	}
	for i, h := range rec.BackupCodeHashes {
		if h == hash {
			rec.BackupCodeHashes = append(rec.BackupCodeHashes[:i], rec.BackupCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f fakeTwoFactor) ReplaceBackupCodes(_ context.Context, principalID string, hashes []string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	rec, ok := f.s.twoFactor[principalID]
	if !ok {
		return ErrNotFound
	}
	rec.BackupCodeHashes = append([]string(nil), hashes...)
	return nil
}

type fakeFeatures struct{ s *fakeStore }

func (f fakeFeatures) Enabled(_ context.Context, tenantID string) ([]string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return append([]string(nil), f.s.features[tenantID]...), nil
}
