package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"crewdesk.io/internal/auth"
	"crewdesk.io/internal/obs"
)

// IdentityService is the surface of the identity core consumed by the
// HTTP layer. Narrowed to an interface so handlers can be exercised
// against a fake.
type IdentityService interface {
	Login(ctx context.Context, req *auth.LoginRequest, meta auth.DeviceMeta) (*auth.LoginResult, error)
	Refresh(ctx context.Context, req *auth.RefreshRequest, meta auth.DeviceMeta) (*auth.TokenPair, error)
	FinishTwoFactor(ctx context.Context, req *auth.TwoFactorVerifyRequest, meta auth.DeviceMeta) (*auth.LoginResult, error)
	BeginTwoFactorSetup(ctx context.Context, setupToken string) (*auth.SetupMaterial, error)
	ConfirmTwoFactorSetup(ctx context.Context, req *auth.TwoFactorConfirmRequest, meta auth.DeviceMeta) (*auth.TwoFactorEnrollment, error)
	Logout(ctx context.Context, c auth.Context, req *auth.LogoutRequest) (int64, error)
	SwitchTenant(ctx context.Context, c auth.Context, req *auth.SwitchTenantRequest, meta auth.DeviceMeta) (*auth.TokenPair, error)
	Tenants(ctx context.Context, principalID string) ([]auth.TenantSummary, error)
	CreateAPIToken(ctx context.Context, c auth.Context, req *auth.APITokenRequest) (string, *auth.APIToken, error)
	ListAPITokens(ctx context.Context, c auth.Context) ([]auth.APIToken, error)
	RevokeAPIToken(ctx context.Context, c auth.Context, tokenID string) error
	VerifyAccess(token string) (*auth.AccessClaims, error)
	Resolve(ctx context.Context, cred auth.Credential) (auth.Context, error)
	ResolveAPIToken(ctx context.Context, token string) (auth.Context, error)
	TouchSession(ctx context.Context, adminID, fingerprint string) error
	Guard() auth.IsolationGuard
	ListSessions(ctx context.Context, c auth.Context) ([]auth.AdminSession, error)
	RevokeSession(ctx context.Context, c auth.Context, sessionID string) error
}

// ReadyProbe checks backing stores before the service reports ready.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        IdentityService
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
}

// Option configures the API.
type Option func(*API)

// WithRateLimit overrides the per-IP route rate limit.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// New wires routes onto a fresh mux.
func New(svc IdentityService, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/2fa/verify", a.handleTwoFactorVerify)
	a.mux.HandleFunc("/v1/auth/2fa/setup", a.handleTwoFactorSetup)
	a.mux.HandleFunc("/v1/auth/2fa/confirm", a.handleTwoFactorConfirm)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/switch-tenant", a.handleSwitchTenant)
	a.mux.HandleFunc("/v1/auth/tenants", a.handleTenants)
	a.mux.HandleFunc("/v1/auth/api-tokens", a.handleAPITokensCollection)
	a.mux.HandleFunc("/v1/auth/api-tokens/", a.handleAPITokenResource)
	a.mux.HandleFunc("/v1/admin/sessions", a.handleSessionsCollection)
	a.mux.HandleFunc("/v1/admin/sessions/", a.handleSessionResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crewdesk-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "crewdesk-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func deviceMeta(r *http.Request) auth.DeviceMeta {
	return auth.DeviceMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
