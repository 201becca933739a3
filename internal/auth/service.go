package auth

import (
	"context"
	"errors"
	"time"

	"crewdesk.io/internal/audit"
	"crewdesk.io/internal/obs"
)

// Service wires the identity core together: throttle, credential
// verification, two-factor bridging, tenant resolution and token
// issuance run as an explicit ordered pipeline.
type Service struct {
	store    Store
	tokens   *TokenService
	hasher   *Hasher
	throttle *Throttle
	twofa    *TwoFactorChallenge
	resolver *ContextResolver
	perms    *PermissionResolver
	guard    IsolationGuard
	sessions *SessionRegistry
	audit    *audit.Sink
	now      func() time.Time

	loginFlow pipeline
}

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the service time source (tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the identity service.
func NewService(store Store, tokens *TokenService, hasher *Hasher, throttle *Throttle, twofa *TwoFactorChallenge, sessions *SessionRegistry, sink *audit.Sink, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil || hasher == nil || throttle == nil || twofa == nil {
		return nil, errors.New("auth: missing service dependency")
	}
	perms := NewPermissionResolver(store)
	s := &Service{
		store:    store,
		tokens:   tokens,
		hasher:   hasher,
		throttle: throttle,
		twofa:    twofa,
		resolver: NewContextResolver(store, perms),
		perms:    perms,
		sessions: sessions,
		audit:    sink,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.loginFlow = pipeline{stages: []stage{
		{name: "throttle", run: s.stageThrottle},
		{name: "credentials", run: s.stageCredentials},
		{name: "two_factor", run: s.stageTwoFactor},
		{name: "tenant", run: s.stageTenant},
		{name: "issue", run: s.stageIssue},
	}}
	return s, nil
}

// ChallengeResult tells the client a second step is pending.
type ChallengeResult struct {
	Code      string    `json:"code"`
	TempToken string    `json:"temp_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResult is the terminal outcome of the login pipeline: either a
// full token pair or a pending challenge, never both.
type LoginResult struct {
	Tokens    *TokenPair
	Challenge *ChallengeResult
}

type loginState struct {
	req       *LoginRequest
	meta      DeviceMeta
	principal *Principal
	failCause string // server-side only, never in the response
	tenantID  string
	roleID    string
	result    *LoginResult
}

// Login runs the credential flow. Validation happens before any store
// access; the pipeline stages own everything after that.
func (s *Service) Login(ctx context.Context, req *LoginRequest, meta DeviceMeta) (*LoginResult, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	st := &loginState{req: req, meta: meta}
	stageName, err := s.loginFlow.execute(ctx, st)
	if err != nil {
		fields := map[string]any{"stage": stageName, "reason": Code(err)}
		if st.failCause != "" {
			fields["cause"] = st.failCause
		}
		s.emit(ctx, audit.Event{
			Name:        "auth.login_failed",
			PrincipalID: principalIDOf(st.principal),
			IP:          meta.IP,
			Fields:      fields,
		})
		switch {
		case errors.Is(err, ErrAccountLocked):
			obs.CountLogin("locked")
		case errors.Is(err, ErrBackendUnavailable):
			obs.CountLogin("error")
		default:
			obs.CountLogin("failure")
		}
		return nil, err
	}
	return st.result, nil
}

func (s *Service) stageThrottle(ctx context.Context, st *loginState) (verdict, error) {
	if err := s.throttle.Check(ctx, st.req.Identifier, st.meta.IP); err != nil {
		return verdictHalt, err
	}
	return verdictContinue, nil
}

func (s *Service) stageCredentials(ctx context.Context, st *loginState) (verdict, error) {
	p, err := s.store.Principals(ctx).FindByEmail(ctx, st.req.Identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Unknown identifier burns an attempt and returns the same
			// generic failure as a wrong password. The audit trail keeps
			// the two apart through the cause field.
			st.failCause = "unknown_identifier"
			if _, terr := s.throttle.RecordFailure(ctx, st.req.Identifier, st.meta.IP); terr != nil {
				return verdictHalt, terr
			}
			return verdictHalt, ErrInvalidCredentials
		}
		return verdictHalt, err
	}
	// The principal is known from here on; failures below attribute it
	// in the audit trail even though the client sees a generic error.
	st.principal = p
	ok, err := s.hasher.Verify(ctx, p.PasswordHash, st.req.Password)
	if err != nil {
		return verdictHalt, err
	}
	if !ok {
		st.failCause = "password_mismatch"
		tripped, terr := s.throttle.RecordFailure(ctx, st.req.Identifier, st.meta.IP)
		if terr != nil {
			return verdictHalt, terr
		}
		if tripped {
			s.onLockout(ctx, p)
			return verdictHalt, ErrAccountLocked
		}
		return verdictHalt, ErrInvalidCredentials
	}
	if !p.Active() {
		return verdictHalt, ErrAccountDisabled
	}
	if err := s.throttle.RecordSuccess(ctx, st.req.Identifier, st.meta.IP); err != nil {
		return verdictHalt, err
	}
	return verdictContinue, nil
}

func (s *Service) stageTwoFactor(ctx context.Context, st *loginState) (verdict, error) {
	enabled, err := s.twofa.Enabled(ctx, st.principal.ID)
	if err != nil {
		return verdictHalt, err
	}
	if enabled {
		ch, err := s.openChallenge(ctx, tokenUse2FALogin, st.principal.ID, st.req.TenantID, "TWO_FACTOR_REQUIRED")
		if err != nil {
			return verdictHalt, err
		}
		obs.CountLogin("challenge")
		st.result = &LoginResult{Challenge: ch}
		return verdictHalt, nil
	}
	// Platform admins must enroll before they get tokens.
	if st.principal.Kind == PrincipalPlatformAdmin {
		ch, err := s.openChallenge(ctx, tokenUse2FASetup, st.principal.ID, "", "TWO_FACTOR_SETUP_REQUIRED")
		if err != nil {
			return verdictHalt, err
		}
		obs.CountLogin("challenge")
		st.result = &LoginResult{Challenge: ch}
		return verdictHalt, nil
	}
	return verdictContinue, nil
}

func (s *Service) stageTenant(ctx context.Context, st *loginState) (verdict, error) {
	tenantID, roleID, err := s.bindTenant(ctx, st.principal, st.req.TenantID)
	if err != nil {
		return verdictHalt, err
	}
	st.tenantID = tenantID
	st.roleID = roleID
	return verdictContinue, nil
}

func (s *Service) stageIssue(ctx context.Context, st *loginState) (verdict, error) {
	pair, err := s.finishLogin(ctx, st.principal, st.tenantID, st.roleID, st.meta)
	if err != nil {
		return verdictHalt, err
	}
	st.result = &LoginResult{Tokens: &pair}
	return verdictContinue, nil
}

// bindTenant resolves which tenant a principal logs into and the role
// held there. Platform admins bind to no tenant. An explicit choice by
// a multi-tenant principal is persisted as the preference for next
// time.
func (s *Service) bindTenant(ctx context.Context, p *Principal, hint string) (tenantID, roleID string, err error) {
	if p.Kind == PrincipalPlatformAdmin {
		return "", p.PlatformRoleID, nil
	}
	tenantID, err = s.resolver.pickTenant(ctx, p.ID, hint)
	if err != nil {
		return "", "", err
	}
	tenant, err := s.store.Tenants(ctx).Find(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", "", ErrTenantNotFound
		}
		return "", "", err
	}
	switch tenant.Status {
	case TenantStatusActive:
	case TenantStatusSuspended:
		return "", "", ErrTenantSuspended
	default:
		return "", "", ErrTenantNotFound
	}
	roleID, _, err = s.perms.ResolveTenantScope(ctx, p.ID, tenantID)
	if err != nil {
		return "", "", err
	}
	if hint != "" {
		if err := s.store.Memberships(ctx).SetDefault(ctx, p.ID, tenantID); err != nil {
			return "", "", err
		}
	}
	return tenantID, roleID, nil
}

// finishLogin issues the pair, records the admin session and emits the
// audit event. Shared by the password-only path and the two-factor
// completion path.
func (s *Service) finishLogin(ctx context.Context, p *Principal, tenantID, roleID string, meta DeviceMeta) (TokenPair, error) {
	pair, err := s.tokens.Issue(ctx, p.ID, tenantID, roleID, meta)
	if err != nil {
		return TokenPair{}, err
	}
	if p.Kind == PrincipalPlatformAdmin && s.sessions != nil {
		if _, err := s.sessions.Record(ctx, p.ID, Fingerprint(pair.AccessToken), meta); err != nil {
			return TokenPair{}, err
		}
	}
	obs.CountLogin("success")
	s.emit(ctx, audit.Event{
		Name:        "auth.login",
		PrincipalID: p.ID,
		TenantID:    tenantID,
		IP:          meta.IP,
	})
	return pair, nil
}

func (s *Service) openChallenge(ctx context.Context, purpose, principalID, tenantHint, code string) (*ChallengeResult, error) {
	token, jti, expiresAt, err := s.tokens.MintBridge(purpose, principalID, tenantHint)
	if err != nil {
		return nil, err
	}
	if err := s.twofa.bridge.Open(ctx, jti, principalID); err != nil {
		return nil, err
	}
	return &ChallengeResult{Code: code, TempToken: token, ExpiresAt: expiresAt}, nil
}

func (s *Service) onLockout(ctx context.Context, p *Principal) {
	obs.CountLockout()
	// Lockout invalidates standing credentials too.
	if _, err := s.tokens.RevokeAll(ctx, p.ID, ""); err != nil {
		s.emit(ctx, audit.Event{Name: "auth.lockout_revoke_failed", PrincipalID: p.ID, Fields: map[string]any{"error": err.Error()}})
	}
	s.emit(ctx, audit.Event{Name: "auth.lockout", PrincipalID: p.ID})
}

// FinishTwoFactor completes a pending login challenge with a TOTP code
// or a backup code and issues the full pair.
func (s *Service) FinishTwoFactor(ctx context.Context, req *TwoFactorVerifyRequest, meta DeviceMeta) (*LoginResult, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	claims, err := s.tokens.VerifyBridge(tokenUse2FALogin, req.TempToken)
	if err != nil {
		return nil, err
	}
	if req.Code != "" {
		err = s.twofa.VerifyCode(ctx, claims.ID, claims.Subject, req.Code)
	} else {
		err = s.twofa.VerifyBackupCode(ctx, claims.ID, claims.Subject, req.BackupCode)
	}
	if err != nil {
		obs.CountTwoFactor("failure")
		s.emit(ctx, audit.Event{
			Name:        "auth.two_factor_failed",
			PrincipalID: claims.Subject,
			IP:          meta.IP,
			Fields:      map[string]any{"reason": Code(err)},
		})
		return nil, err
	}
	p, err := s.store.Principals(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if !p.Active() {
		return nil, ErrAccountDisabled
	}
	tenantID, roleID, err := s.bindTenant(ctx, p, claims.TenantID)
	if err != nil {
		return nil, err
	}
	pair, err := s.finishLogin(ctx, p, tenantID, roleID, meta)
	if err != nil {
		return nil, err
	}
	obs.CountTwoFactor("success")
	return &LoginResult{Tokens: &pair}, nil
}

// BeginTwoFactorSetup starts enrollment against a setup bridge token.
// The challenge stays open until confirmation so the material can be
// re-fetched within the bridge lifetime.
func (s *Service) BeginTwoFactorSetup(ctx context.Context, setupToken string) (*SetupMaterial, error) {
	claims, err := s.tokens.VerifyBridge(tokenUse2FASetup, setupToken)
	if err != nil {
		return nil, err
	}
	if _, err := s.twofa.bridge.Peek(ctx, claims.ID); err != nil {
		return nil, err
	}
	p, err := s.store.Principals(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	return s.twofa.BeginSetup(ctx, p.ID, p.Email)
}

// TwoFactorEnrollment is returned once at confirmation: the backup
// codes and the first full token pair.
type TwoFactorEnrollment struct {
	BackupCodes []string
	Tokens      TokenPair
}

// ConfirmTwoFactorSetup proves possession of the enrolled secret,
// activates two-factor and completes the login that required it.
func (s *Service) ConfirmTwoFactorSetup(ctx context.Context, req *TwoFactorConfirmRequest, meta DeviceMeta) (*TwoFactorEnrollment, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	claims, err := s.tokens.VerifyBridge(tokenUse2FASetup, req.SetupToken)
	if err != nil {
		return nil, err
	}
	codes, err := s.twofa.ConfirmSetup(ctx, claims.ID, claims.Subject, req.Code)
	if err != nil {
		obs.CountTwoFactor("failure")
		return nil, err
	}
	p, err := s.store.Principals(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if !p.Active() {
		return nil, ErrAccountDisabled
	}
	tenantID, roleID, err := s.bindTenant(ctx, p, claims.TenantID)
	if err != nil {
		return nil, err
	}
	pair, err := s.finishLogin(ctx, p, tenantID, roleID, meta)
	if err != nil {
		return nil, err
	}
	obs.CountTwoFactor("enrolled")
	s.emit(ctx, audit.Event{Name: "auth.two_factor_enrolled", PrincipalID: p.ID, IP: meta.IP})
	return &TwoFactorEnrollment{BackupCodes: codes, Tokens: pair}, nil
}

// Refresh rotates a refresh token. Reuse of an already-spent token
// revokes the family, raises the audit alarm and reaches the client as
// a plain invalid-token failure so expiry and reuse are not
// distinguishable from outside.
func (s *Service) Refresh(ctx context.Context, req *RefreshRequest, meta DeviceMeta) (*TokenPair, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	nextRaw, next, old, err := s.tokens.Rotate(ctx, req.RefreshToken, meta)
	if err != nil {
		if errors.Is(err, ErrTokenReuseDetected) {
			obs.CountReuse()
			obs.CountRotation("reuse")
			ev := audit.Event{Name: "auth.token_reuse", IP: meta.IP, Fields: map[string]any{}}
			if old != nil {
				ev.PrincipalID = old.PrincipalID
				ev.TenantID = old.TenantID
				ev.Fields["family_id"] = old.FamilyID
				ev.Fields["token_id"] = old.ID
			}
			s.emit(ctx, ev)
			return nil, ErrRefreshInvalid
		}
		obs.CountRotation("failure")
		return nil, err
	}

	// Disabled or deleted principals lose rotation immediately, even
	// with a live chain.
	p, err := s.store.Principals(ctx).Find(ctx, old.PrincipalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil || !p.Active() {
		_, _ = s.store.RefreshTokens(ctx).RevokeFamily(ctx, old.FamilyID)
		obs.CountRotation("failure")
		return nil, ErrAccountDisabled
	}

	roleID := p.PlatformRoleID
	if p.Kind != PrincipalPlatformAdmin {
		roleID, _, err = s.perms.ResolveTenantScope(ctx, p.ID, old.TenantID)
		if err != nil {
			_, _ = s.store.RefreshTokens(ctx).RevokeFamily(ctx, old.FamilyID)
			obs.CountRotation("failure")
			return nil, err
		}
	}
	access, _, err := s.tokens.MintAccess(p.ID, old.TenantID, roleID)
	if err != nil {
		return nil, err
	}
	obs.CountRotation("success")
	s.emit(ctx, audit.Event{
		Name:        "auth.token_refreshed",
		PrincipalID: p.ID,
		TenantID:    old.TenantID,
		IP:          meta.IP,
		Fields:      map[string]any{"family_id": next.FamilyID},
	})
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: nextRaw,
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// Logout revokes all live refresh tokens for the principal, optionally
// narrowed to one tenant, and tears down admin sessions.
func (s *Service) Logout(ctx context.Context, c Context, req *LogoutRequest) (int64, error) {
	if verr := req.Validate(); verr != nil {
		return 0, verr
	}
	count, err := s.tokens.RevokeAll(ctx, c.PrincipalID, req.TenantID)
	if err != nil {
		return 0, err
	}
	if c.Platform != nil && s.sessions != nil {
		if _, err := s.sessions.RevokeAllFor(ctx, c.PrincipalID); err != nil {
			return count, err
		}
	}
	s.emit(ctx, audit.Event{
		Name:        "auth.logout",
		PrincipalID: c.PrincipalID,
		TenantID:    req.TenantID,
		Fields:      map[string]any{"revoked": count},
	})
	return count, nil
}

// SwitchTenant moves an authenticated principal to another tenant it
// belongs to, issuing a fresh pair bound to it and persisting it as
// the preference.
func (s *Service) SwitchTenant(ctx context.Context, c Context, req *SwitchTenantRequest, meta DeviceMeta) (*TokenPair, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	if c.Platform != nil {
		return nil, ErrNoTenantAccess
	}
	p, err := s.store.Principals(ctx).Find(ctx, c.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if !p.Active() {
		return nil, ErrAccountDisabled
	}
	tenantID, roleID, err := s.bindTenant(ctx, p, req.TenantID)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.Issue(ctx, p.ID, tenantID, roleID, meta)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, audit.Event{
		Name:        "auth.tenant_switched",
		PrincipalID: p.ID,
		TenantID:    tenantID,
		IP:          meta.IP,
		Fields:      map[string]any{"from": c.TenantID},
	})
	return &pair, nil
}

// Tenants lists the active tenants the principal may work in.
func (s *Service) Tenants(ctx context.Context, principalID string) ([]TenantSummary, error) {
	memberships, err := s.store.Memberships(ctx).ListActive(ctx, principalID)
	if err != nil {
		return nil, err
	}
	summaries := make([]TenantSummary, 0, len(memberships))
	for _, m := range memberships {
		t, err := s.store.Tenants(ctx).Find(ctx, m.TenantID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if t.Status != TenantStatusActive {
			continue
		}
		summaries = append(summaries, TenantSummary{ID: t.ID, Name: t.Name, Country: t.Country})
	}
	return summaries, nil
}

// CreateAPIToken mints a scoped long-lived token. Requested scopes
// must be a subset of the caller's own permissions.
func (s *Service) CreateAPIToken(ctx context.Context, c Context, req *APITokenRequest) (string, *APIToken, error) {
	if verr := req.Validate(); verr != nil {
		return "", nil, verr
	}
	if !c.HasPermission(PermAPITokenManage) {
		return "", nil, ErrInsufficientPermission
	}
	for _, scope := range req.Scopes {
		if !c.HasPermission(scope) {
			return "", nil, ErrInsufficientPermission
		}
	}
	plaintext, rec, err := s.tokens.IssueAPIToken(ctx, c.PrincipalID, c.TenantID, req.Name, req.Scopes, req.ExpiresInDays)
	if err != nil {
		return "", nil, err
	}
	s.emit(ctx, audit.Event{
		Name:        "auth.api_token_created",
		PrincipalID: c.PrincipalID,
		TenantID:    c.TenantID,
		Fields:      map[string]any{"token_id": rec.ID, "name": rec.Name, "scopes": rec.Scopes},
	})
	return plaintext, rec, nil
}

// ListAPITokens returns the caller's tokens in its current tenant.
func (s *Service) ListAPITokens(ctx context.Context, c Context) ([]APIToken, error) {
	if !c.HasPermission(PermAPITokenManage) {
		return nil, ErrInsufficientPermission
	}
	return s.store.APITokens(ctx).List(ctx, c.PrincipalID, c.TenantID)
}

// RevokeAPIToken revokes one of the caller's tokens.
func (s *Service) RevokeAPIToken(ctx context.Context, c Context, tokenID string) error {
	if !c.HasPermission(PermAPITokenManage) {
		return ErrInsufficientPermission
	}
	if err := s.store.APITokens(ctx).Revoke(ctx, tokenID, c.PrincipalID); err != nil {
		return err
	}
	s.emit(ctx, audit.Event{
		Name:        "auth.api_token_revoked",
		PrincipalID: c.PrincipalID,
		TenantID:    c.TenantID,
		Fields:      map[string]any{"token_id": tokenID},
	})
	return nil
}

// Resolve turns a validated credential into an authorization context.
func (s *Service) Resolve(ctx context.Context, cred Credential) (Context, error) {
	return s.resolver.Resolve(ctx, cred)
}

// VerifyAccess validates a bearer access token.
func (s *Service) VerifyAccess(token string) (*AccessClaims, error) {
	return s.tokens.Verify(token)
}

// ResolveAPIToken authenticates a bearer API token: hash lookup,
// revocation and expiry checks, then a context narrowed to the scopes
// granted at issue time. The last-used timestamp advances best effort;
// a failed touch never fails the request.
func (s *Service) ResolveAPIToken(ctx context.Context, plaintext string) (Context, error) {
	rec, err := s.store.APITokens(ctx).FindByHash(ctx, hashSecret(plaintext))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Context{}, ErrTokenInvalid
		}
		return Context{}, err
	}
	if rec.RevokedAt != nil {
		return Context{}, ErrTokenInvalid
	}
	now := s.now().UTC()
	if !rec.ExpiresAt.After(now) {
		return Context{}, ErrTokenExpired
	}
	p, err := s.store.Principals(ctx).Find(ctx, rec.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Context{}, ErrTokenInvalid
		}
		return Context{}, err
	}
	if !p.Active() {
		return Context{}, ErrAccountDisabled
	}
	perms := make(map[string]struct{}, len(rec.Scopes))
	for _, scope := range rec.Scopes {
		perms[scope] = struct{}{}
	}
	_ = s.store.APITokens(ctx).TouchLastUsed(ctx, rec.ID, now)
	return Context{
		PrincipalID: rec.PrincipalID,
		TenantID:    rec.TenantID,
		Permissions: perms,
	}, nil
}

// TouchSession refreshes activity on the admin session carrying the
// access-token fingerprint. No-op when no session matches.
func (s *Service) TouchSession(ctx context.Context, adminID, fingerprint string) error {
	if s.sessions == nil {
		return nil
	}
	sessions, err := s.sessions.ListForAdmin(ctx, adminID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Fingerprint == fingerprint {
			return s.sessions.Touch(ctx, sess.ID)
		}
	}
	return nil
}

// Guard exposes the isolation guard for the transport layer.
func (s *Service) Guard() IsolationGuard { return s.guard }

// ListSessions returns live platform-admin sessions for operators. A
// scoped admin sees only sessions whose owner shares a country with the
// caller's scope; an empty scope sees nothing.
func (s *Service) ListSessions(ctx context.Context, c Context) ([]AdminSession, error) {
	if !c.HasPermission(PermPlatformSessionsRead) {
		return nil, ErrInsufficientPermission
	}
	if s.sessions == nil {
		return nil, nil
	}
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	if c.Platform == nil || c.Platform.Global {
		return sessions, nil
	}
	if len(c.Platform.CountryCodes) == 0 {
		return []AdminSession{}, nil
	}
	allowed := make(map[string]struct{}, len(c.Platform.CountryCodes))
	for _, code := range c.Platform.CountryCodes {
		allowed[code] = struct{}{}
	}
	ownerCountries := make(map[string][]string)
	visible := make([]AdminSession, 0, len(sessions))
	for _, sess := range sessions {
		codes, ok := ownerCountries[sess.AdminID]
		if !ok {
			codes, err = s.store.CountryAssignments(ctx).Countries(ctx, sess.AdminID)
			if err != nil {
				return nil, err
			}
			ownerCountries[sess.AdminID] = codes
		}
		for _, code := range codes {
			if _, ok := allowed[code]; ok {
				visible = append(visible, sess)
				break
			}
		}
	}
	return visible, nil
}

// RevokeSession removes one admin session and the owner's token chains.
func (s *Service) RevokeSession(ctx context.Context, c Context, sessionID string) error {
	if !c.HasPermission(PermPlatformSessionsManage) {
		return ErrInsufficientPermission
	}
	if s.sessions == nil {
		return ErrNotFound
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.tokens.RevokeAll(ctx, sess.AdminID, ""); err != nil {
		return err
	}
	s.emit(ctx, audit.Event{
		Name:        "auth.session_revoked",
		PrincipalID: c.PrincipalID,
		Fields:      map[string]any{"session_id": sessionID, "admin_id": sess.AdminID},
	})
	return nil
}

// SweepExpired deletes refresh token rows past expiry. Cleanup only;
// expired rows are already unusable.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.RefreshTokens(ctx).DeleteExpired(ctx, s.now().UTC())
}

func (s *Service) emit(ctx context.Context, e audit.Event) {
	if s.audit != nil {
		s.audit.Emit(ctx, e)
	}
}

func principalIDOf(p *Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}
