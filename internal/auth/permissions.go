package auth

import (
	"fmt"
	"sort"
	"strings"
)

// CatalogVersion is stamped into access-token claims so operators can
// correlate a token's vintage in logs. Authorization always recomputes
// from the store; the claim is informational.
const CatalogVersion = 3

// Tenant-scoped permission codes. The enumeration is closed: role
// definitions referencing anything outside this list are rejected at
// load time, not at first use.
const (
	PermCustomersRead  = "customers.read"
	PermCustomersWrite = "customers.write"
	PermBookingsRead   = "bookings.read"
	PermBookingsWrite  = "bookings.write"
	PermInvoicesRead   = "invoices.read"
	PermInvoicesWrite  = "invoices.write"
	PermComplianceRead = "compliance.read"
	PermBillingManage  = "billing.manage"
	PermSettingsManage = "settings.manage"
	PermMembersManage  = "members.manage"
	PermAPITokenManage = "api_tokens.manage"
)

// Platform-scoped permission codes.
const (
	PermPlatformTenantsRead      = "platform.tenants.read"
	PermPlatformTenantsManage    = "platform.tenants.manage"
	PermPlatformAdminsManage     = "platform.admins.manage"
	PermPlatformSessionsRead     = "platform.sessions.read"
	PermPlatformSessionsManage   = "platform.sessions.manage"
	PermPlatformComplianceReview = "platform.compliance.review"
)

// Tenant role identifiers.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RoleViewer = "viewer"
)

// Platform role identifiers. The first two are global; every other
// platform role requires at least one country assignment.
const (
	RolePlatformSuper     = "platform_super"
	RolePlatformOps       = "platform_ops"
	RoleRegionalManager   = "regional_manager"
	RoleSupportAgent      = "support_agent"
	RoleComplianceOfficer = "compliance_officer"
)

var tenantPermissions = []string{
	PermCustomersRead, PermCustomersWrite,
	PermBookingsRead, PermBookingsWrite,
	PermInvoicesRead, PermInvoicesWrite,
	PermComplianceRead,
	PermBillingManage, PermSettingsManage, PermMembersManage,
	PermAPITokenManage,
}

var platformPermissions = []string{
	PermPlatformTenantsRead, PermPlatformTenantsManage,
	PermPlatformAdminsManage,
	PermPlatformSessionsRead, PermPlatformSessionsManage,
	PermPlatformComplianceReview,
}

// roleDef is a compiled role. Implicit roles get the full matrix of
// their scope without a lookup.
type roleDef struct {
	ID       string
	Scope    string // "tenant" | "platform"
	Global   bool   // platform roles exempt from country scoping
	Implicit bool   // grants every permission of its scope
	Perms    []string
}

const (
	scopeTenant   = "tenant"
	scopePlatform = "platform"
)

var roleCatalog = []roleDef{
	{ID: RoleOwner, Scope: scopeTenant, Implicit: true},
	{ID: RoleAdmin, Scope: scopeTenant, Perms: []string{
		PermCustomersRead, PermCustomersWrite,
		PermBookingsRead, PermBookingsWrite,
		PermInvoicesRead, PermInvoicesWrite,
		PermComplianceRead,
		PermSettingsManage, PermMembersManage, PermAPITokenManage,
	}},
	{ID: RoleStaff, Scope: scopeTenant, Perms: []string{
		PermCustomersRead, PermCustomersWrite,
		PermBookingsRead, PermBookingsWrite,
		PermInvoicesRead,
	}},
	{ID: RoleViewer, Scope: scopeTenant, Perms: []string{
		PermCustomersRead, PermBookingsRead, PermInvoicesRead,
	}},

	{ID: RolePlatformSuper, Scope: scopePlatform, Global: true, Implicit: true},
	{ID: RolePlatformOps, Scope: scopePlatform, Global: true, Perms: []string{
		PermPlatformTenantsRead,
		PermPlatformSessionsRead, PermPlatformSessionsManage,
	}},
	{ID: RoleRegionalManager, Scope: scopePlatform, Perms: []string{
		PermPlatformTenantsRead, PermPlatformTenantsManage,
		PermPlatformSessionsRead,
	}},
	{ID: RoleSupportAgent, Scope: scopePlatform, Perms: []string{
		PermPlatformTenantsRead, PermPlatformSessionsRead,
	}},
	{ID: RoleComplianceOfficer, Scope: scopePlatform, Perms: []string{
		PermPlatformTenantsRead, PermPlatformComplianceReview,
	}},
}

var (
	permissionSet = buildPermissionSet()
	rolesByID     = buildRoleIndex()
)

func buildPermissionSet() map[string]struct{} {
	set := make(map[string]struct{}, len(tenantPermissions)+len(platformPermissions))
	for _, p := range tenantPermissions {
		set[p] = struct{}{}
	}
	for _, p := range platformPermissions {
		set[p] = struct{}{}
	}
	return set
}

func buildRoleIndex() map[string]roleDef {
	idx := make(map[string]roleDef, len(roleCatalog))
	for _, r := range roleCatalog {
		idx[r.ID] = r
	}
	return idx
}

func knownPermission(code string) bool {
	_, ok := permissionSet[code]
	return ok
}

// AllPermissions returns the full sorted enumeration, optionally
// filtered by scope ("tenant", "platform" or "" for both).
func AllPermissions(scope string) []string {
	var out []string
	switch scope {
	case scopeTenant:
		out = append(out, tenantPermissions...)
	case scopePlatform:
		out = append(out, platformPermissions...)
	default:
		out = append(out, tenantPermissions...)
		out = append(out, platformPermissions...)
	}
	sort.Strings(out)
	return out
}

// PlatformRoles returns every platform role id, globals first.
func PlatformRoles() []string {
	var globals, scoped []string
	for _, r := range roleCatalog {
		if r.Scope != scopePlatform {
			continue
		}
		if r.Global {
			globals = append(globals, r.ID)
		} else {
			scoped = append(scoped, r.ID)
		}
	}
	return append(globals, scoped...)
}

// rolePermissions expands a role definition into a permission set.
func rolePermissions(def roleDef) map[string]struct{} {
	var src []string
	if def.Implicit {
		if def.Scope == scopePlatform {
			src = platformPermissions
		} else {
			src = tenantPermissions
		}
	} else {
		src = def.Perms
	}
	set := make(map[string]struct{}, len(src))
	for _, p := range src {
		set[p] = struct{}{}
	}
	return set
}

// ValidateCatalog checks the compiled roles against the closed
// permission enumeration. Called at startup; a misconfigured role is a
// boot failure, not a runtime surprise.
func ValidateCatalog() error {
	seen := make(map[string]struct{}, len(roleCatalog))
	for _, r := range roleCatalog {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("role with empty id")
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate role %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Scope != scopeTenant && r.Scope != scopePlatform {
			return fmt.Errorf("role %q: unknown scope %q", r.ID, r.Scope)
		}
		if r.Global && r.Scope != scopePlatform {
			return fmt.Errorf("role %q: only platform roles may be global", r.ID)
		}
		if r.Implicit && len(r.Perms) > 0 {
			return fmt.Errorf("role %q: implicit roles must not list permissions", r.ID)
		}
		for _, p := range r.Perms {
			if !knownPermission(p) {
				return fmt.Errorf("role %q: unknown permission %q", r.ID, p)
			}
			expectPlatform := strings.HasPrefix(p, "platform.")
			if expectPlatform != (r.Scope == scopePlatform) {
				return fmt.Errorf("role %q: permission %q outside role scope", r.ID, p)
			}
		}
	}
	return nil
}
