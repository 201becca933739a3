package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"crewdesk.io/internal/audit"
)

type serviceHarness struct {
	svc    *Service
	store  *fakeStore
	hasher *Hasher
	twofa  *TwoFactorChallenge
	tokens *TokenService
}

func newTestService(t *testing.T) *serviceHarness {
	t.Helper()
	return newTestServiceWithSink(t, nil)
}

func newTestServiceWithSink(t *testing.T, sink *audit.Sink) *serviceHarness {
	t.Helper()
	store := newFakeStore()
	rdb := newTestRedis(t)
	tokens := newTestTokens(t, store)
	hasher := NewHasher(2)
	throttle := NewThrottle(rdb, DefaultThrottleConfig())
	bridge := NewBridgeStore(rdb, tokens.BridgeTTL())
	twofa := NewTwoFactorChallenge(store, bridge, "CrewDesk")
	sessions := NewSessionRegistry(rdb, time.Hour)

	svc, err := NewService(store, tokens, hasher, throttle, twofa, sessions, sink)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &serviceHarness{svc: svc, store: store, hasher: hasher, twofa: twofa, tokens: tokens}
}

func (h *serviceHarness) seedUser(t *testing.T, id, email, password string) {
	t.Helper()
	hash, err := h.hasher.Hash(context.Background(), password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h.store.addPrincipal(&Principal{
		ID: id, Email: email, PasswordHash: hash,
		Kind: PrincipalTenantUser, Status: PrincipalStatusActive,
	})
}

func (h *serviceHarness) seedAdmin(t *testing.T, id, email, password, roleID string) {
	t.Helper()
	hash, err := h.hasher.Hash(context.Background(), password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h.store.addPrincipal(&Principal{
		ID: id, Email: email, PasswordHash: hash,
		Kind: PrincipalPlatformAdmin, PlatformRoleID: roleID,
		Status: PrincipalStatusActive,
	})
}

func (h *serviceHarness) enableTwoFactor(t *testing.T, principalID string) string {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "CrewDesk", AccountName: principalID})
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	err = h.store.TwoFactor(context.Background()).Save(context.Background(), &TwoFactorRecord{
		PrincipalID: principalID,
		Secret:      key.Secret(),
		Enabled:     true,
		Verified:    true,
	})
	if err != nil {
		t.Fatalf("save record: %v", err)
	}
	return key.Secret()
}

func TestLoginSingleTenant(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "Owner@Acme.Test", Password: "hunter2hunter2"}, DeviceMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Tokens == nil || res.Challenge != nil {
		t.Fatalf("result = %+v", res)
	}
	claims, err := h.svc.VerifyAccess(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.Subject != "p1" || claims.TenantID != "t1" || claims.RoleID != RoleOwner {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestLoginGenericFailure(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")

	// Unknown identifier and wrong password are indistinguishable.
	_, err := h.svc.Login(ctx, &LoginRequest{Identifier: "ghost@acme.test", Password: "whatever99"}, DeviceMeta{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown identifier: %v", err)
	}
	_, err = h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "wrongwrongwrong"}, DeviceMeta{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
}

type recordingAppender struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAppender) Append(_ context.Context, e audit.Event, _ string, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAppender) snapshot() []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Event(nil), a.events...)
}

func TestLoginFailureAuditKeepsCausesApart(t *testing.T) {
	app := &recordingAppender{}
	sink := audit.NewSink(16, audit.WithAppender(app))
	h := newTestServiceWithSink(t, sink)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")

	if _, err := h.svc.Login(ctx, &LoginRequest{Identifier: "ghost@acme.test", Password: "whatever99"}, DeviceMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown identifier: %v", err)
	}
	if _, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "wrongwrongwrong"}, DeviceMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	sink.Close()

	events := app.snapshot()
	if len(events) != 2 {
		t.Fatalf("audited %d events, want 2", len(events))
	}
	// The wire error is identical; the trail is not.
	for _, e := range events {
		if e.Name != "auth.login_failed" || e.Fields["reason"] != "AUTH_INVALID_CREDENTIALS" {
			t.Fatalf("event = %+v", e)
		}
	}
	if events[0].PrincipalID != "" || events[0].Fields["cause"] != "unknown_identifier" {
		t.Fatalf("unknown identifier event = %+v", events[0])
	}
	if events[1].PrincipalID != "p1" || events[1].Fields["cause"] != "password_mismatch" {
		t.Fatalf("wrong password event = %+v", events[1])
	}
}

func TestLoginLockout(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})

	// Standing refresh tokens must die with the lockout.
	if _, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{}); err != nil {
		t.Fatalf("priming login: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "wrongwrongwrong"}, DeviceMeta{}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	_, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "wrongwrongwrong"}, DeviceMeta{})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("fifth failure: %v", err)
	}

	// Correct password during the cooldown is still rejected.
	_, err = h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("correct password while locked: %v", err)
	}

	n, err := h.svc.tokens.RevokeAll(ctx, "p1", "")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 0 {
		t.Fatalf("lockout left %d live refresh tokens", n)
	}
}

func TestLoginMultiTenantSelectThenPersist(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addTenant(&Tenant{ID: "t2", Name: "Beta", Status: TenantStatusActive, Country: "FR"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t2", RoleID: RoleStaff, IsActive: true})

	_, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{})
	var sel *SelectRequiredError
	if !errors.As(err, &sel) {
		t.Fatalf("expected selection required, got %v", err)
	}
	if len(sel.Tenants) != 2 {
		t.Fatalf("candidates = %d", len(sel.Tenants))
	}

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2", TenantID: "t2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("explicit tenant login: %v", err)
	}
	claims, _ := h.svc.VerifyAccess(res.Tokens.AccessToken)
	if claims.TenantID != "t2" {
		t.Fatalf("bound tenant = %s", claims.TenantID)
	}

	// The explicit choice became the preference: no hint needed now.
	res, err = h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("login after preference: %v", err)
	}
	claims, _ = h.svc.VerifyAccess(res.Tokens.AccessToken)
	if claims.TenantID != "t2" {
		t.Fatalf("preference ignored, bound to %s", claims.TenantID)
	}
}

func TestLoginSuspendedTenant(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusSuspended, Country: "DE"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})

	_, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2", TenantID: "t1"}, DeviceMeta{})
	if !errors.Is(err, ErrTenantSuspended) {
		t.Fatalf("suspended tenant login: %v", err)
	}
}

func TestLoginWithTwoFactor(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})
	secret := h.enableTwoFactor(t, "p1")

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Challenge == nil || res.Tokens != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Challenge.Code != "TWO_FACTOR_REQUIRED" {
		t.Fatalf("challenge code = %s", res.Challenge.Code)
	}

	// Wrong code burns an attempt but keeps the challenge alive.
	_, err = h.svc.FinishTwoFactor(ctx, &TwoFactorVerifyRequest{TempToken: res.Challenge.TempToken, Code: "000000"}, DeviceMeta{})
	if !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("wrong code: %v", err)
	}

	code := codeAt(t, secret, time.Now())
	fin, err := h.svc.FinishTwoFactor(ctx, &TwoFactorVerifyRequest{TempToken: res.Challenge.TempToken, Code: code}, DeviceMeta{})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if fin.Tokens == nil {
		t.Fatalf("no tokens after two-factor completion")
	}
	claims, err := h.svc.VerifyAccess(fin.Tokens.AccessToken)
	if err != nil || claims.TenantID != "t1" {
		t.Fatalf("claims=%+v err=%v", claims, err)
	}

	// The consumed challenge is gone.
	_, err = h.svc.FinishTwoFactor(ctx, &TwoFactorVerifyRequest{TempToken: res.Challenge.TempToken, Code: code}, DeviceMeta{})
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("challenge reuse: %v", err)
	}
}

func TestAdminLoginForcesEnrollment(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedAdmin(t, "a1", "root@crewdesk.test", "hunter2hunter2", RolePlatformSuper)

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "root@crewdesk.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Challenge == nil || res.Challenge.Code != "TWO_FACTOR_SETUP_REQUIRED" {
		t.Fatalf("result = %+v", res)
	}

	mat, err := h.svc.BeginTwoFactorSetup(ctx, res.Challenge.TempToken)
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	enr, err := h.svc.ConfirmTwoFactorSetup(ctx, &TwoFactorConfirmRequest{
		SetupToken: res.Challenge.TempToken,
		Code:       codeAt(t, mat.Secret, time.Now()),
	}, DeviceMeta{})
	if err != nil {
		t.Fatalf("confirm setup: %v", err)
	}
	if len(enr.BackupCodes) != backupCodeCount {
		t.Fatalf("backup codes = %d", len(enr.BackupCodes))
	}
	claims, err := h.svc.VerifyAccess(enr.Tokens.AccessToken)
	if err != nil || claims.Subject != "a1" || claims.TenantID != "" {
		t.Fatalf("claims=%+v err=%v", claims, err)
	}

	// Enrollment recorded: the admin session registry saw the login.
	sessions, err := h.svc.ListSessions(ctx, Context{
		PrincipalID: "a1",
		Platform:    &PlatformScope{RoleID: RolePlatformSuper, Global: true},
		Permissions: rolePermissions(rolesByID[RolePlatformSuper]),
	})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].AdminID != "a1" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestRefreshRotationAndReuse(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	pair, err := h.svc.Refresh(ctx, &RefreshRequest{RefreshToken: res.Tokens.RefreshToken}, DeviceMeta{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.RefreshToken == res.Tokens.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}

	// Replaying the consumed token reads as plain invalid from outside.
	_, err = h.svc.Refresh(ctx, &RefreshRequest{RefreshToken: res.Tokens.RefreshToken}, DeviceMeta{})
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("reuse: %v", err)
	}
	// And the successor is dead with the rest of the family.
	_, err = h.svc.Refresh(ctx, &RefreshRequest{RefreshToken: pair.RefreshToken}, DeviceMeta{})
	if err == nil {
		t.Fatalf("family survived reuse detection")
	}
}

func TestRefreshStopsForDisabledPrincipal(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	h.store.addPrincipal(&Principal{
		ID: "p1", Email: "owner@acme.test", Kind: PrincipalTenantUser,
		Status: PrincipalStatusDisabled,
	})

	_, err = h.svc.Refresh(ctx, &RefreshRequest{RefreshToken: res.Tokens.RefreshToken}, DeviceMeta{})
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("disabled principal refreshed: %v", err)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true})

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "owner@acme.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	n, err := h.svc.Logout(ctx, Context{PrincipalID: "p1", TenantID: "t1"}, &LogoutRequest{})
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if n != 1 {
		t.Fatalf("revoked %d tokens, want 1", n)
	}
	if _, err := h.svc.Refresh(ctx, &RefreshRequest{RefreshToken: res.Tokens.RefreshToken}, DeviceMeta{}); err == nil {
		t.Fatalf("refresh survived logout")
	}
}

func TestSwitchTenant(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p1", "owner@acme.test", "hunter2hunter2")
	h.store.addTenant(&Tenant{ID: "t1", Name: "Acme", Status: TenantStatusActive, Country: "DE"})
	h.store.addTenant(&Tenant{ID: "t2", Name: "Beta", Status: TenantStatusActive, Country: "FR"})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t1", RoleID: RoleOwner, IsActive: true, IsDefault: true})
	h.store.addMembership(&Membership{PrincipalID: "p1", TenantID: "t2", RoleID: RoleViewer, IsActive: true})

	c := Context{PrincipalID: "p1", TenantID: "t1"}
	pair, err := h.svc.SwitchTenant(ctx, c, &SwitchTenantRequest{TenantID: "t2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	claims, err := h.svc.VerifyAccess(pair.AccessToken)
	if err != nil || claims.TenantID != "t2" || claims.RoleID != RoleViewer {
		t.Fatalf("claims=%+v err=%v", claims, err)
	}

	// Switching to a tenant without a membership fails.
	if _, err := h.svc.SwitchTenant(ctx, c, &SwitchTenantRequest{TenantID: "t9"}, DeviceMeta{}); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("foreign switch: %v", err)
	}

	// Platform admins hold no tenant to switch to.
	admin := Context{PrincipalID: "a1", Platform: &PlatformScope{Global: true}}
	if _, err := h.svc.SwitchTenant(ctx, admin, &SwitchTenantRequest{TenantID: "t1"}, DeviceMeta{}); !errors.Is(err, ErrNoTenantAccess) {
		t.Fatalf("admin switch: %v", err)
	}
}

func TestAPITokenScopeSubset(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	staff := Context{
		PrincipalID: "p1", TenantID: "t1", RoleID: RoleStaff,
		Permissions: rolePermissions(rolesByID[RoleStaff]),
	}
	// Staff lacks api_tokens.manage entirely.
	if _, _, err := h.svc.CreateAPIToken(ctx, staff, &APITokenRequest{Name: "ci", Scopes: []string{PermBookingsRead}}); !errors.Is(err, ErrInsufficientPermission) {
		t.Fatalf("staff created a token: %v", err)
	}

	admin := Context{
		PrincipalID: "p2", TenantID: "t1", RoleID: RoleAdmin,
		Permissions: rolePermissions(rolesByID[RoleAdmin]),
	}
	// Admin holds manage but not billing.manage; the scope may not
	// exceed the caller.
	if _, _, err := h.svc.CreateAPIToken(ctx, admin, &APITokenRequest{Name: "ci", Scopes: []string{PermBillingManage}}); !errors.Is(err, ErrInsufficientPermission) {
		t.Fatalf("scope escalation: %v", err)
	}

	plaintext, rec, err := h.svc.CreateAPIToken(ctx, admin, &APITokenRequest{Name: "ci", Scopes: []string{PermBookingsRead}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if plaintext == "" || rec.ID == "" {
		t.Fatalf("token = %q rec = %+v", plaintext, rec)
	}

	list, err := h.svc.ListAPITokens(ctx, admin)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v err=%v", list, err)
	}
	if err := h.svc.RevokeAPIToken(ctx, admin, rec.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := h.svc.RevokeAPIToken(ctx, admin, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double revoke: %v", err)
	}
}

func TestRevokeSessionKillsTokens(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedAdmin(t, "a1", "ops@crewdesk.test", "hunter2hunter2", RolePlatformOps)
	h.enableTwoFactor(t, "a1")

	res, err := h.svc.Login(ctx, &LoginRequest{Identifier: "ops@crewdesk.test", Password: "hunter2hunter2"}, DeviceMeta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	secret, err := h.store.TwoFactor(ctx).Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	fin, err := h.svc.FinishTwoFactor(ctx, &TwoFactorVerifyRequest{
		TempToken: res.Challenge.TempToken,
		Code:      codeAt(t, secret.Secret, time.Now()),
	}, DeviceMeta{})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	operator := Context{PrincipalID: "op", Platform: &PlatformScope{RoleID: RolePlatformSuper, Global: true},
		Permissions: rolePermissions(rolesByID[RolePlatformSuper])}
	sessions, err := h.svc.ListSessions(ctx, operator)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions=%+v err=%v", sessions, err)
	}

	if err := h.svc.RevokeSession(ctx, operator, sessions[0].ID); err != nil {
		t.Fatalf("revoke session: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, &RefreshRequest{RefreshToken: fin.Tokens.RefreshToken}, DeviceMeta{}); err == nil {
		t.Fatalf("refresh survived session revocation")
	}

	// Read-only roles cannot revoke.
	agent := Context{PrincipalID: "sa", Platform: &PlatformScope{RoleID: RoleSupportAgent, CountryCodes: []string{"DE"}},
		Permissions: rolePermissions(rolesByID[RoleSupportAgent])}
	if err := h.svc.RevokeSession(ctx, agent, "whatever"); !errors.Is(err, ErrInsufficientPermission) {
		t.Fatalf("support agent revoked: %v", err)
	}
}

func TestListSessionsFiltersByCountryScope(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	h.store.countries["a-de"] = []string{"DE"}
	h.store.countries["a-fr"] = []string{"FR"}
	for _, admin := range []string{"a-de", "a-fr", "a-root"} {
		if _, err := h.svc.sessions.Record(ctx, admin, Fingerprint(admin), DeviceMeta{}); err != nil {
			t.Fatalf("record %s: %v", admin, err)
		}
	}

	agent := Context{PrincipalID: "sa", Platform: &PlatformScope{RoleID: RoleSupportAgent, CountryCodes: []string{"DE"}},
		Permissions: rolePermissions(rolesByID[RoleSupportAgent])}
	sessions, err := h.svc.ListSessions(ctx, agent)
	if err != nil {
		t.Fatalf("scoped list: %v", err)
	}
	// Sessions of the unassigned a-root stay invisible to scoped eyes.
	if len(sessions) != 1 || sessions[0].AdminID != "a-de" {
		t.Fatalf("scoped sessions = %+v", sessions)
	}

	global := Context{PrincipalID: "root", Platform: &PlatformScope{RoleID: RolePlatformSuper, Global: true},
		Permissions: rolePermissions(rolesByID[RolePlatformSuper])}
	sessions, err = h.svc.ListSessions(ctx, global)
	if err != nil || len(sessions) != 3 {
		t.Fatalf("global sessions=%+v err=%v", sessions, err)
	}
}

func TestListSessionsUnassignedScopedAdmin(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedAdmin(t, "sa", "agent@crewdesk.test", "hunter2hunter2", RoleSupportAgent)
	if _, err := h.svc.sessions.Record(ctx, "a1", Fingerprint("a1"), DeviceMeta{}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Resolution withholds the role's permissions without assignments,
	// so the call is denied outright.
	c, err := h.svc.Resolve(ctx, SessionCredential{PrincipalID: "sa"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := h.svc.ListSessions(ctx, c); !errors.Is(err, ErrInsufficientPermission) {
		t.Fatalf("unassigned agent listed sessions: %v", err)
	}

	// Even holding the permission, an empty country scope sees nothing.
	agent := Context{PrincipalID: "sa", Platform: &PlatformScope{RoleID: RoleSupportAgent},
		Permissions: rolePermissions(rolesByID[RoleSupportAgent])}
	sessions, err := h.svc.ListSessions(ctx, agent)
	if err != nil {
		t.Fatalf("empty scope list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("empty scope saw %d sessions", len(sessions))
	}
}

func TestResolveAPITokenLifecycle(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.seedUser(t, "p2", "admin@acme.test", "hunter2hunter2")

	admin := Context{
		PrincipalID: "p2", TenantID: "t1", RoleID: RoleAdmin,
		Permissions: rolePermissions(rolesByID[RoleAdmin]),
	}
	plaintext, rec, err := h.svc.CreateAPIToken(ctx, admin, &APITokenRequest{Name: "ci", Scopes: []string{PermBookingsRead}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c, err := h.svc.ResolveAPIToken(ctx, plaintext)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.PrincipalID != "p2" || c.TenantID != "t1" {
		t.Fatalf("context = %+v", c)
	}
	// The context carries the issue-time scopes, not the owner's role.
	if !c.HasPermission(PermBookingsRead) {
		t.Fatalf("granted scope denied")
	}
	if c.HasPermission(PermAPITokenManage) {
		t.Fatalf("token inherited the owner's permissions")
	}

	// Resolution stamps last use.
	list, err := h.svc.ListAPITokens(ctx, admin)
	if err != nil || len(list) != 1 {
		t.Fatalf("list=%+v err=%v", list, err)
	}
	if list[0].LastUsedAt == nil {
		t.Fatalf("last used not stamped")
	}

	h.store.mu.Lock()
	h.store.apiTokens[rec.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	h.store.mu.Unlock()
	if _, err := h.svc.ResolveAPIToken(ctx, plaintext); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired token resolved: %v", err)
	}
	h.store.mu.Lock()
	h.store.apiTokens[rec.ID].ExpiresAt = time.Now().UTC().Add(time.Hour)
	h.store.mu.Unlock()

	if err := h.svc.RevokeAPIToken(ctx, admin, rec.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := h.svc.ResolveAPIToken(ctx, plaintext); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("revoked token resolved: %v", err)
	}

	if _, err := h.svc.ResolveAPIToken(ctx, "cdk_bogus"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("unknown token resolved: %v", err)
	}
}

func TestTouchSessionMatchesFingerprint(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	sess, err := h.svc.sessions.Record(ctx, "a1", Fingerprint("token-1"), DeviceMeta{})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	later := sess.LastActivityAt.Add(5 * time.Minute)
	h.svc.sessions.now = func() time.Time { return later }

	// A fingerprint with no session is a no-op.
	if err := h.svc.TouchSession(ctx, "a1", Fingerprint("token-9")); err != nil {
		t.Fatalf("touch miss: %v", err)
	}
	got, err := h.svc.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(sess.LastActivityAt) {
		t.Fatalf("miss advanced activity to %v", got.LastActivityAt)
	}

	if err := h.svc.TouchSession(ctx, "a1", Fingerprint("token-1")); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err = h.svc.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(later) {
		t.Fatalf("activity = %v, want %v", got.LastActivityAt, later)
	}
}
