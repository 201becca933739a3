package auth

import "time"

// Principal kinds. Platform admins operate across tenants under a
// country scope; tenant users act inside memberships.
const (
	PrincipalTenantUser    = "tenant_user"
	PrincipalPlatformAdmin = "platform_admin"
)

// Principal statuses.
const (
	PrincipalStatusActive   = "active"
	PrincipalStatusDisabled = "disabled"
)

// Tenant statuses.
const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
	TenantStatusCancelled = "cancelled"
	TenantStatusDeleted   = "deleted"
)

// Principal is a tenant user or a platform admin account.
type Principal struct {
	ID             string
	Email          string
	PasswordHash   string
	Kind           string
	PlatformRoleID string // set only for platform admins
	Status         string
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the principal may authenticate at all.
func (p *Principal) Active() bool {
	return p != nil && p.Status == PrincipalStatusActive && p.DeletedAt == nil
}

// Tenant is one business on the platform. BusinessType is fixed at
// creation; the isolation guard rejects any later mutation of it.
type Tenant struct {
	ID           string
	Name         string
	Status       string
	Country      string
	BusinessType string
	Locked       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Membership binds a principal to a tenant with exactly one active role.
type Membership struct {
	PrincipalID string
	TenantID    string
	RoleID      string
	IsDefault   bool
	IsActive    bool
	CreatedAt   time.Time
}

// CountryAssignment restricts a scoped platform admin to a country.
type CountryAssignment struct {
	AdminID     string
	CountryCode string
	CreatedAt   time.Time
}

// RefreshToken is the persisted half of a refresh credential. The raw
// secret never touches storage; only its sha256 hash does. Successive
// rotations share a FamilyID and chain through ReplacedByID.
type RefreshToken struct {
	ID           string
	PrincipalID  string
	TenantID     string
	FamilyID     string
	TokenHash    string
	IP           string
	UserAgent    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	ReplacedByID string
}

// APIToken is a long-lived scoped credential, returned in plaintext
// exactly once at creation and stored hashed thereafter.
type APIToken struct {
	ID          string
	PrincipalID string
	TenantID    string
	Name        string
	TokenHash   string
	Scopes      []string
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// AdminSession is an operator-visible record of a live platform-admin
// session, independent of the refresh token chain.
type AdminSession struct {
	ID             string
	AdminID        string
	Fingerprint    string
	IP             string
	UserAgent      string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// TwoFactorRecord holds TOTP enrollment state and hashed backup codes.
type TwoFactorRecord struct {
	PrincipalID      string
	Secret           string
	Enabled          bool
	Verified         bool
	BackupCodeHashes []string
	LastUsedStep     int64
	LastUsedAt       *time.Time
	UpdatedAt        time.Time
}

// DeviceMeta describes the client device on security-relevant calls.
type DeviceMeta struct {
	IP        string
	UserAgent string
}

// PlatformScope is the resolved reach of a platform admin: either
// global, or limited to CountryCodes. A scoped role with no country
// assignments yields Global=false with an empty list, which downstream
// reads treat as no access.
type PlatformScope struct {
	RoleID       string
	Global       bool
	CountryCodes []string
}

// Context is the single authorization value threaded through every
// downstream call. It is rebuilt from current store state per request;
// token claims contribute identity only.
type Context struct {
	PrincipalID string
	TenantID    string
	RoleID      string
	Permissions map[string]struct{}
	Features    []string
	Platform    *PlatformScope
}

// HasPermission reports whether the context grants the permission code.
// Only the resolved permission set grants: a global platform scope
// exempts the principal from country filtering, never from its role's
// permission list. A missing set denies.
func (c Context) HasPermission(code string) bool {
	if c.Permissions == nil {
		return false
	}
	_, ok := c.Permissions[code]
	return ok
}

// TenantSummary is what a multi-tenant principal sees when asked to
// choose a tenant.
type TenantSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

// TokenPair is the issued credential set for a login or rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}
