package auth

import (
	"net/mail"
	"strings"
)

// LoginRequest carries the credential submission.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	TenantID   string `json:"tenant_id,omitempty"`
}

// Validate runs before any credential work; nothing about account
// existence leaks from it.
func (r *LoginRequest) Validate() *ValidationError {
	r.Identifier = strings.ToLower(strings.TrimSpace(r.Identifier))
	if r.Identifier == "" {
		return &ValidationError{Field: "identifier", Reason: "required"}
	}
	if _, err := mail.ParseAddress(r.Identifier); err != nil {
		return &ValidationError{Field: "identifier", Reason: "must be an email address"}
	}
	if r.Password == "" {
		return &ValidationError{Field: "password", Reason: "required"}
	}
	if len(r.Password) > 512 {
		return &ValidationError{Field: "password", Reason: "too long"}
	}
	return nil
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (r *RefreshRequest) Validate() *ValidationError {
	r.RefreshToken = strings.TrimSpace(r.RefreshToken)
	if r.RefreshToken == "" {
		return &ValidationError{Field: "refresh_token", Reason: "required"}
	}
	return nil
}

// TwoFactorVerifyRequest completes a pending login challenge with
// either a TOTP code or a backup code, never both.
type TwoFactorVerifyRequest struct {
	TempToken  string `json:"temp_token"`
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

func (r *TwoFactorVerifyRequest) Validate() *ValidationError {
	r.TempToken = strings.TrimSpace(r.TempToken)
	r.Code = strings.TrimSpace(r.Code)
	r.BackupCode = strings.TrimSpace(r.BackupCode)
	if r.TempToken == "" {
		return &ValidationError{Field: "temp_token", Reason: "required"}
	}
	if r.Code == "" && r.BackupCode == "" {
		return &ValidationError{Field: "code", Reason: "code or backup_code required"}
	}
	if r.Code != "" && r.BackupCode != "" {
		return &ValidationError{Field: "code", Reason: "code and backup_code are mutually exclusive"}
	}
	if r.Code != "" && len(r.Code) != 6 {
		return &ValidationError{Field: "code", Reason: "must be 6 digits"}
	}
	return nil
}

// TwoFactorConfirmRequest finishes enrollment begun by setup.
type TwoFactorConfirmRequest struct {
	SetupToken string `json:"setup_token"`
	Code       string `json:"code"`
}

func (r *TwoFactorConfirmRequest) Validate() *ValidationError {
	r.SetupToken = strings.TrimSpace(r.SetupToken)
	r.Code = strings.TrimSpace(r.Code)
	if r.SetupToken == "" {
		return &ValidationError{Field: "setup_token", Reason: "required"}
	}
	if len(r.Code) != 6 {
		return &ValidationError{Field: "code", Reason: "must be 6 digits"}
	}
	return nil
}

// LogoutRequest optionally narrows revocation to one tenant.
type LogoutRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
}

func (r *LogoutRequest) Validate() *ValidationError {
	r.TenantID = strings.TrimSpace(r.TenantID)
	return nil
}

// SwitchTenantRequest moves an authenticated principal to another of
// its tenants.
type SwitchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

func (r *SwitchTenantRequest) Validate() *ValidationError {
	r.TenantID = strings.TrimSpace(r.TenantID)
	if r.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	return nil
}

// APITokenRequest creates a long-lived scoped token.
type APITokenRequest struct {
	Name          string   `json:"name"`
	Scopes        []string `json:"scopes"`
	ExpiresInDays int      `json:"expires_in_days,omitempty"`
}

func (r *APITokenRequest) Validate() *ValidationError {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if len(r.Name) > 120 {
		return &ValidationError{Field: "name", Reason: "too long"}
	}
	if len(r.Scopes) == 0 {
		return &ValidationError{Field: "scopes", Reason: "at least one scope required"}
	}
	for _, s := range r.Scopes {
		if !knownPermission(s) {
			return &ValidationError{Field: "scopes", Reason: "unknown scope " + s}
		}
	}
	if r.ExpiresInDays < 0 || r.ExpiresInDays > 365 {
		return &ValidationError{Field: "expires_in_days", Reason: "must be between 0 and 365"}
	}
	return nil
}
