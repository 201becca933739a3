package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity core.
type Store interface {
	Principals(ctx context.Context) PrincipalStore
	Tenants(ctx context.Context) TenantStore
	Memberships(ctx context.Context) MembershipStore
	CountryAssignments(ctx context.Context) CountryAssignmentStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	APITokens(ctx context.Context) APITokenStore
	TwoFactor(ctx context.Context) TwoFactorStore
	Features(ctx context.Context) FeatureStore
}

// PrincipalStore looks up tenant users and platform admins.
type PrincipalStore interface {
	Find(ctx context.Context, id string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
}

// TenantStore reads tenant records.
type TenantStore interface {
	Find(ctx context.Context, id string) (*Tenant, error)
}

// MembershipStore reads and adjusts principal-tenant bindings.
type MembershipStore interface {
	Active(ctx context.Context, principalID, tenantID string) (*Membership, error)
	ListActive(ctx context.Context, principalID string) ([]Membership, error)
	SetDefault(ctx context.Context, principalID, tenantID string) error
}

// CountryAssignmentStore reads platform-admin country scopes.
type CountryAssignmentStore interface {
	Countries(ctx context.Context, adminID string) ([]string, error)
}

// RefreshTokenStore manages the refresh token family chain.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error

	// Rotate atomically consumes the identified token and inserts its
	// replacement in the same transaction. The consume is a single
	// conditional update ("mark revoked only if currently unrevoked"):
	// of two concurrent calls exactly one succeeds. An already-revoked
	// token yields ErrTokenReuseDetected; anything else that does not
	// match (missing row, wrong hash, expired) yields ErrRefreshInvalid.
	Rotate(ctx context.Context, id, providedHash string, next *RefreshToken) (*RefreshToken, error)

	// RevokeFamily revokes every live token in the family. Invoked on
	// reuse detection.
	RevokeFamily(ctx context.Context, familyID string) (int64, error)

	// RevokeAll revokes every live token for the principal, optionally
	// narrowed to one tenant. Used on logout, lockout, password reset.
	RevokeAll(ctx context.Context, principalID, tenantID string) (int64, error)

	// DeleteExpired removes rows past their expiry. Best-effort sweep.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// APITokenStore manages long-lived scoped API tokens.
type APITokenStore interface {
	Create(ctx context.Context, tok *APIToken) error
	List(ctx context.Context, principalID, tenantID string) ([]APIToken, error)
	Revoke(ctx context.Context, id, principalID string) error
	FindByHash(ctx context.Context, hash string) (*APIToken, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// TwoFactorStore persists TOTP enrollment and backup codes.
type TwoFactorStore interface {
	Get(ctx context.Context, principalID string) (*TwoFactorRecord, error)
	Save(ctx context.Context, rec *TwoFactorRecord) error

	// MarkUsedStep advances the last accepted TOTP step only if the new
	// step is greater, so a code cannot be replayed inside its window.
	MarkUsedStep(ctx context.Context, principalID string, step int64, at time.Time) (bool, error)

	// ConsumeBackupCode removes the hashed code from the stored set in
	// one conditional update; false means the code was not present.
	ConsumeBackupCode(ctx context.Context, principalID, hash string) (bool, error)

	// ReplaceBackupCodes overwrites the stored set (enrollment,
	// regeneration).
	ReplaceBackupCodes(ctx context.Context, principalID string, hashes []string) error
}

// FeatureStore reads the enabled feature set for a tenant.
type FeatureStore interface {
	Enabled(ctx context.Context, tenantID string) ([]string, error)
}
