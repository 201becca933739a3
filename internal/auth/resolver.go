package auth

import (
	"context"
	"errors"
	"strings"
)

// Credential is one of the two supported identity sources. Both are
// normalized by ContextResolver.Resolve so downstream authorization
// never branches on which one arrived.
type Credential interface {
	principalID() string
	tenantHint() string
}

// TokenCredential wraps verified access-token claims.
type TokenCredential struct {
	Claims *AccessClaims
}

func (c TokenCredential) principalID() string { return c.Claims.Subject }
func (c TokenCredential) tenantHint() string  { return c.Claims.TenantID }

// SessionCredential identifies a principal through a registered
// session instead of a token.
type SessionCredential struct {
	PrincipalID string
	TenantID    string
	SessionID   string
}

func (c SessionCredential) principalID() string { return c.PrincipalID }
func (c SessionCredential) tenantHint() string  { return c.TenantID }

// PermissionResolver computes effective permission sets.
type PermissionResolver struct {
	store Store
}

// NewPermissionResolver constructs a PermissionResolver.
func NewPermissionResolver(store Store) *PermissionResolver {
	return &PermissionResolver{store: store}
}

// ResolveTenantScope loads the principal's active membership in the
// tenant and expands its role. The owner role short-circuits to the
// full tenant matrix without a lookup.
func (r *PermissionResolver) ResolveTenantScope(ctx context.Context, principalID, tenantID string) (string, map[string]struct{}, error) {
	m, err := r.store.Memberships(ctx).Active(ctx, principalID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, ErrNoTenantAccess
		}
		return "", nil, err
	}
	def, ok := rolesByID[m.RoleID]
	if !ok || def.Scope != scopeTenant {
		// A membership pointing at a role outside the catalog denies.
		return "", nil, ErrNoTenantAccess
	}
	return m.RoleID, rolePermissions(def), nil
}

// ResolvePlatformScope computes a platform admin's reach. The two
// global roles bypass country filtering; every other role needs at
// least one country assignment and resolves to an explicitly empty
// scope without one. Empty means no access, never global.
func (r *PermissionResolver) ResolvePlatformScope(ctx context.Context, admin *Principal) (PlatformScope, map[string]struct{}, error) {
	def, ok := rolesByID[admin.PlatformRoleID]
	if !ok || def.Scope != scopePlatform {
		return PlatformScope{}, nil, ErrNoTenantAccess
	}
	scope := PlatformScope{RoleID: def.ID, Global: def.Global}
	if !def.Global {
		codes, err := r.store.CountryAssignments(ctx).Countries(ctx, admin.ID)
		if err != nil {
			return PlatformScope{}, nil, err
		}
		scope.CountryCodes = codes
		// Zero assignments resolves to no access: the role's permissions
		// are withheld along with the countries.
		if len(codes) == 0 {
			return scope, map[string]struct{}{}, nil
		}
	}
	return scope, rolePermissions(def), nil
}

// CheckPermission reports whether the resolved context grants the code.
// Absence of a permission set denies.
func (r *PermissionResolver) CheckPermission(c Context, code string) bool {
	return c.HasPermission(code)
}

// ContextResolver turns a validated credential into an authorization
// Context. Everything is recomputed from current store state on each
// call: claims establish identity, never cached authorization.
type ContextResolver struct {
	store Store
	perms *PermissionResolver
}

// NewContextResolver constructs a ContextResolver.
func NewContextResolver(store Store, perms *PermissionResolver) *ContextResolver {
	return &ContextResolver{store: store, perms: perms}
}

// Resolve builds the Context for the credential. For a multi-tenant
// principal with no tenant hint and no default membership it returns a
// *SelectRequiredError listing the candidates rather than guessing.
func (cr *ContextResolver) Resolve(ctx context.Context, cred Credential) (Context, error) {
	principalID := strings.TrimSpace(cred.principalID())
	if principalID == "" {
		return Context{}, ErrTokenInvalid
	}
	p, err := cr.store.Principals(ctx).Find(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Context{}, ErrTokenInvalid
		}
		return Context{}, err
	}
	if !p.Active() {
		return Context{}, ErrAccountDisabled
	}

	if p.Kind == PrincipalPlatformAdmin {
		scope, perms, err := cr.perms.ResolvePlatformScope(ctx, p)
		if err != nil {
			return Context{}, err
		}
		return Context{
			PrincipalID: p.ID,
			RoleID:      scope.RoleID,
			Permissions: perms,
			Platform:    &scope,
		}, nil
	}

	tenantID, err := cr.pickTenant(ctx, principalID, cred.tenantHint())
	if err != nil {
		return Context{}, err
	}

	tenant, err := cr.store.Tenants(ctx).Find(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Context{}, ErrTenantNotFound
		}
		return Context{}, err
	}
	switch tenant.Status {
	case TenantStatusActive:
	case TenantStatusSuspended:
		return Context{}, ErrTenantSuspended
	default:
		// Cancelled and deleted tenants are indistinguishable from
		// missing ones to the caller.
		return Context{}, ErrTenantNotFound
	}

	roleID, perms, err := cr.perms.ResolveTenantScope(ctx, principalID, tenantID)
	if err != nil {
		return Context{}, err
	}
	features, err := cr.store.Features(ctx).Enabled(ctx, tenantID)
	if err != nil {
		return Context{}, err
	}
	return Context{
		PrincipalID: p.ID,
		TenantID:    tenantID,
		RoleID:      roleID,
		Permissions: perms,
		Features:    features,
	}, nil
}

// pickTenant disambiguates which tenant the request targets: explicit
// hint first, then the stored default, then selection-required.
func (cr *ContextResolver) pickTenant(ctx context.Context, principalID, hint string) (string, error) {
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint, nil
	}
	memberships, err := cr.store.Memberships(ctx).ListActive(ctx, principalID)
	if err != nil {
		return "", err
	}
	switch len(memberships) {
	case 0:
		return "", ErrNoTenantAccess
	case 1:
		return memberships[0].TenantID, nil
	}
	for _, m := range memberships {
		if m.IsDefault {
			return m.TenantID, nil
		}
	}
	summaries := make([]TenantSummary, 0, len(memberships))
	for _, m := range memberships {
		t, err := cr.store.Tenants(ctx).Find(ctx, m.TenantID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return "", err
		}
		if t.Status != TenantStatusActive {
			continue
		}
		summaries = append(summaries, TenantSummary{ID: t.ID, Name: t.Name, Country: t.Country})
	}
	if len(summaries) == 0 {
		return "", ErrNoTenantAccess
	}
	if len(summaries) == 1 {
		return summaries[0].ID, nil
	}
	return "", &SelectRequiredError{Tenants: summaries}
}
