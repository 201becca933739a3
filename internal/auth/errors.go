package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for the identity core. The HTTP layer maps each to a
// stable wire code via Code; everything unknown surfaces as a server
// error so store outages are never disguised as auth failures.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrAccountLocked      = errors.New("auth: account locked")

	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrTokenReuseDetected = errors.New("auth: refresh token reuse detected")
	ErrRefreshInvalid     = errors.New("auth: invalid refresh token")

	ErrTenantNotFound  = errors.New("auth: tenant not found")
	ErrTenantSuspended = errors.New("auth: tenant suspended")
	ErrNoTenantAccess  = errors.New("auth: no tenant access")
	ErrTenantIsolation = errors.New("auth: tenant boundary violation")
	ErrImmutableField  = errors.New("auth: immutable field mutation")

	ErrScopeRequired          = errors.New("auth: country scope required")
	ErrInsufficientPermission = errors.New("auth: insufficient permission")

	ErrTwoFactorRequired = errors.New("auth: two factor required")
	ErrInvalidOTP        = errors.New("auth: invalid otp code")
	ErrInvalidBackupCode = errors.New("auth: invalid backup code")
	ErrChallengeExpired  = errors.New("auth: challenge expired")

	ErrRateLimited = errors.New("auth: rate limited")
	ErrNotFound    = errors.New("auth: not found")

	// ErrBackendUnavailable wraps store/redis outages. It must reach the
	// client as a 5xx, never as a credential failure.
	ErrBackendUnavailable = errors.New("auth: backend unavailable")
)

// SelectRequiredError is returned when a multi-tenant principal gave no
// tenant hint; it carries the candidates instead of guessing.
type SelectRequiredError struct {
	Tenants []TenantSummary
}

func (e *SelectRequiredError) Error() string {
	return fmt.Sprintf("auth: tenant selection required (%d candidates)", len(e.Tenants))
}

// ValidationError reports a rejected input field. It is returned as a
// value from the validation stage, never thrown across layers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("auth: invalid %s: %s", e.Field, e.Reason)
}

// Code maps an error to its stable wire code.
func Code(err error) string {
	var sel *SelectRequiredError
	if errors.As(err, &sel) {
		return "MULTI_TENANT_SELECT_REQUIRED"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "VALIDATION_FAILED"
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "AUTH_INVALID_CREDENTIALS"
	case errors.Is(err, ErrAccountDisabled):
		return "AUTH_ACCOUNT_DISABLED"
	case errors.Is(err, ErrAccountLocked):
		return "ACCOUNT_LOCKED"
	case errors.Is(err, ErrTokenExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, ErrTokenReuseDetected):
		return "TOKEN_REUSE_DETECTED"
	case errors.Is(err, ErrTokenInvalid):
		return "TOKEN_INVALID"
	case errors.Is(err, ErrRefreshInvalid):
		return "REFRESH_TOKEN_INVALID"
	case errors.Is(err, ErrTenantNotFound):
		return "TENANT_NOT_FOUND"
	case errors.Is(err, ErrTenantSuspended):
		return "TENANT_SUSPENDED"
	case errors.Is(err, ErrNoTenantAccess):
		return "NO_TENANT_ACCESS"
	case errors.Is(err, ErrTenantIsolation):
		return "FORBIDDEN"
	case errors.Is(err, ErrImmutableField):
		return "IMMUTABLE_FIELD"
	case errors.Is(err, ErrScopeRequired):
		return "SCOPE_REQUIRED"
	case errors.Is(err, ErrInsufficientPermission):
		return "INSUFFICIENT_PERMISSION"
	case errors.Is(err, ErrTwoFactorRequired):
		return "TWO_FACTOR_REQUIRED"
	case errors.Is(err, ErrInvalidOTP):
		return "INVALID_OTP"
	case errors.Is(err, ErrInvalidBackupCode):
		return "INVALID_BACKUP_CODE"
	case errors.Is(err, ErrChallengeExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
