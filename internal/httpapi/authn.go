package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"crewdesk.io/internal/audit"
	"crewdesk.io/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	tenantHeader = "X-Tenant-ID"
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/2fa/verify",
	"/v1/auth/2fa/setup",
	"/v1/auth/2fa/confirm",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth verifies the bearer token and resolves the authorization
// context from current store state before any handler runs. The tenant
// header only disambiguates; it is never an identity source.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID", err.Error())
			return
		}

		// API tokens carry their scopes server-side; no JWT involved.
		if auth.IsAPIToken(token) {
			c, err := a.svc.ResolveAPIToken(r.Context(), token)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			if requested := strings.TrimSpace(r.Header.Get(tenantHeader)); requested != "" {
				if err := a.svc.Guard().EnforceBoundary(c, requested); err != nil {
					writeServiceError(w, r, err)
					return
				}
			}
			ctx := auth.ContextWith(r.Context(), c)
			ctx = audit.WithActor(ctx, c.PrincipalID, c.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		claims, err := a.svc.VerifyAccess(token)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		cred := auth.TokenCredential{Claims: claims}
		c, err := a.svc.Resolve(r.Context(), cred)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		if requested := strings.TrimSpace(r.Header.Get(tenantHeader)); requested != "" {
			if err := a.svc.Guard().EnforceBoundary(c, requested); err != nil {
				writeServiceError(w, r, err)
				return
			}
		}

		if c.Platform != nil {
			// Session activity tracking is best effort.
			_ = a.svc.TouchSession(r.Context(), c.PrincipalID, auth.Fingerprint(token))
		}

		ctx := auth.ContextWith(r.Context(), c)
		ctx = auth.ContextWithClaims(ctx, claims)
		ctx = audit.WithActor(ctx, c.PrincipalID, c.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireContext pulls the resolved context; absence means the request
// bypassed withAuth, which only public routes may do.
func requireContext(ctx context.Context) (auth.Context, error) {
	c, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Context{}, auth.ErrTokenInvalid
	}
	return c, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
