package httpapi

import (
	"net/http"
	"strings"
	"time"

	"crewdesk.io/internal/auth"
)

type challengeResponse struct {
	Code       string    `json:"code"`
	TempToken  string    `json:"temp_token,omitempty"`
	SetupToken string    `json:"setup_token,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func challengePayload(ch *auth.ChallengeResult) challengeResponse {
	resp := challengeResponse{Code: ch.Code, ExpiresAt: ch.ExpiresAt}
	if ch.Code == "TWO_FACTOR_SETUP_REQUIRED" {
		resp.SetupToken = ch.TempToken
	} else {
		resp.TempToken = ch.TempToken
	}
	return resp
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	if req.TenantID == "" {
		req.TenantID = strings.TrimSpace(r.Header.Get(tenantHeader))
	}
	result, err := a.svc.Login(r.Context(), &req, deviceMeta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if result.Challenge != nil {
		writeJSON(w, http.StatusOK, challengePayload(result.Challenge))
		return
	}
	writeJSON(w, http.StatusOK, result.Tokens)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	pair, err := a.svc.Refresh(r.Context(), &req, deviceMeta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.TwoFactorVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	result, err := a.svc.FinishTwoFactor(r.Context(), &req, deviceMeta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Tokens)
}

type twoFactorSetupRequest struct {
	SetupToken string `json:"setup_token"`
}

func (a *API) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req twoFactorSetupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	material, err := a.svc.BeginTwoFactorSetup(r.Context(), req.SetupToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":      material.Secret,
		"otpauth_url": material.OTPAuthURL,
	})
}

func (a *API) handleTwoFactorConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.TwoFactorConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	enrollment, err := a.svc.ConfirmTwoFactorSetup(r.Context(), &req, deviceMeta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backup_codes": enrollment.BackupCodes,
		"tokens":       enrollment.Tokens,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	c, err := requireContext(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	req := auth.LogoutRequest{}
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
			return
		}
	}
	count, err := a.svc.Logout(r.Context(), c, &req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": count})
}

func (a *API) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	c, err := requireContext(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req auth.SwitchTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	pair, err := a.svc.SwitchTenant(r.Context(), c, &req, deviceMeta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	c, err := requireContext(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	tenants, err := a.svc.Tenants(r.Context(), c.PrincipalID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

type apiTokenView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toAPITokenView(t auth.APIToken) apiTokenView {
	return apiTokenView{
		ID:         t.ID,
		Name:       t.Name,
		Scopes:     t.Scopes,
		ExpiresAt:  t.ExpiresAt,
		RevokedAt:  t.RevokedAt,
		LastUsedAt: t.LastUsedAt,
		CreatedAt:  t.CreatedAt,
	}
}

func (a *API) handleAPITokensCollection(w http.ResponseWriter, r *http.Request) {
	c, err := requireContext(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req auth.APITokenRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
			return
		}
		plaintext, rec, err := a.svc.CreateAPIToken(r.Context(), c, &req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		// The plaintext token appears in this response only.
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":     plaintext,
			"token_id":  rec.ID,
			"api_token": toAPITokenView(*rec),
		})
	case http.MethodGet:
		tokens, err := a.svc.ListAPITokens(r.Context(), c)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		views := make([]apiTokenView, 0, len(tokens))
		for _, t := range tokens {
			views = append(views, toAPITokenView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"api_tokens": views})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAPITokenResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/auth/api-tokens/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	c, err := requireContext(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.svc.RevokeAPIToken(r.Context(), c, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
