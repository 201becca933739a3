package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crewdesk.io/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultBridgeTTL  = 7 * time.Minute

	tokenUseAccess   = "access"
	tokenUse2FALogin = "2fa_login"
	tokenUse2FASetup = "2fa_setup"

	apiTokenPrefix = "cdk"
)

// AccessClaims are the JWT claims carried by access and bridge tokens.
// They identify the principal and its tenant binding; authorization
// data is recomputed from the store on every request.
type AccessClaims struct {
	TenantID          string `json:"ten,omitempty"`
	RoleID            string `json:"rol,omitempty"`
	PermissionVersion int    `json:"pv,omitempty"`
	TokenUse          string `json:"use"`
	jwt.RegisteredClaims
}

// TokenService issues, verifies, rotates and revokes signed tokens.
type TokenService struct {
	store  Store
	secret []byte
	issuer string
	now    func() time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration
	bridgeTTL  time.Duration
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *TokenService) error {
		t.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) error {
		if ttl > 0 {
			t.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) error {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
		return nil
	}
}

// WithBridgeTTL configures the lifetime of two-factor bridge tokens.
func WithBridgeTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) error {
		if ttl > 0 {
			t.bridgeTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source (tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenService) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService signing with HS256.
func NewTokenService(store Store, secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	t := &TokenService{
		store:      store,
		secret:     []byte(secret),
		issuer:     "crewdesk",
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		bridgeTTL:  defaultBridgeTTL,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AccessTTL reports the configured access token lifetime.
func (t *TokenService) AccessTTL() time.Duration { return t.accessTTL }

// BridgeTTL reports the configured bridge token lifetime.
func (t *TokenService) BridgeTTL() time.Duration { return t.bridgeTTL }

// Issue mints an access/refresh pair for a fresh login, starting a new
// refresh token family.
func (t *TokenService) Issue(ctx context.Context, principalID, tenantID, roleID string, meta DeviceMeta) (TokenPair, error) {
	return t.issuePair(ctx, principalID, tenantID, roleID, ids.NewPrefixed("fam"), meta)
}

func (t *TokenService) issuePair(ctx context.Context, principalID, tenantID, roleID, familyID string, meta DeviceMeta) (TokenPair, error) {
	access, _, err := t.MintAccess(principalID, tenantID, roleID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, _, err := t.NewRefresh(ctx, principalID, tenantID, familyID, meta)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(t.accessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// MintAccess signs a short-lived access token. Pure apart from the
// clock: no store access, safe to call anywhere.
func (t *TokenService) MintAccess(principalID, tenantID, roleID string) (string, time.Time, error) {
	now := t.now().UTC()
	exp := now.Add(t.accessTTL)
	claims := AccessClaims{
		TenantID:          tenantID,
		RoleID:            roleID,
		PermissionVersion: CatalogVersion,
		TokenUse:          tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// Verify validates an access token signature and claims. Stateless:
// the only failure modes are ErrTokenExpired and ErrTokenInvalid.
func (t *TokenService) Verify(token string) (*AccessClaims, error) {
	return t.parse(token, tokenUseAccess)
}

// MintBridge signs a short-lived token bridging a two-step flow. The
// returned jti must be registered in a single-use store; verification
// alone does not make the token spendable.
func (t *TokenService) MintBridge(purpose, principalID, tenantID string) (token, jti string, expiresAt time.Time, err error) {
	if purpose != tokenUse2FALogin && purpose != tokenUse2FASetup {
		return "", "", time.Time{}, errors.New("auth: unknown bridge purpose")
	}
	now := t.now().UTC()
	expiresAt = now.Add(t.bridgeTTL)
	jti = uuid.NewString()
	claims := AccessClaims{
		TenantID: tenantID,
		TokenUse: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign bridge token: %w", err)
	}
	return token, jti, expiresAt, nil
}

// VerifyBridge validates a bridge token for the given purpose.
func (t *TokenService) VerifyBridge(purpose, token string) (*AccessClaims, error) {
	return t.parse(token, purpose)
}

func (t *TokenService) parse(token, wantUse string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now().UTC() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Issuer != t.issuer || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	if claims.TokenUse != wantUse {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// NewRefresh creates and persists a refresh token in the given family.
// The raw form is "<rowID>.<secret>"; only the sha256 of the secret is
// stored.
func (t *TokenService) NewRefresh(ctx context.Context, principalID, tenantID, familyID string, meta DeviceMeta) (string, *RefreshToken, error) {
	raw, rec, err := t.buildRefresh(familyID, meta)
	if err != nil {
		return "", nil, err
	}
	rec.PrincipalID = principalID
	rec.TenantID = tenantID
	if err := t.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return raw, rec, nil
}

func (t *TokenService) buildRefresh(familyID string, meta DeviceMeta) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	now := t.now().UTC()
	rec := &RefreshToken{
		ID:        ids.NewPrefixed("rt"),
		FamilyID:  familyID,
		TokenHash: hashSecret(secret),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		IssuedAt:  now,
		ExpiresAt: now.Add(t.refreshTTL),
	}
	return rec.ID + "." + secret, rec, nil
}

// Rotate exchanges a refresh token for its successor. Exactly one of
// two concurrent calls wins; the loser observes reuse, the whole family
// is revoked, and ErrTokenReuseDetected is returned with the consumed
// record so the caller can attribute the event.
func (t *TokenService) Rotate(ctx context.Context, rawToken string, meta DeviceMeta) (string, *RefreshToken, *RefreshToken, error) {
	id, secret, err := splitRefreshToken(rawToken)
	if err != nil {
		return "", nil, nil, ErrRefreshInvalid
	}
	nextRaw, next, err := t.buildRefresh("", meta) // family assigned from the consumed row
	if err != nil {
		return "", nil, nil, err
	}
	old, err := t.store.RefreshTokens(ctx).Rotate(ctx, id, hashSecret(secret), next)
	if err != nil {
		if errors.Is(err, ErrTokenReuseDetected) && old != nil && old.FamilyID != "" {
			if _, revokeErr := t.store.RefreshTokens(ctx).RevokeFamily(ctx, old.FamilyID); revokeErr != nil {
				return "", nil, old, fmt.Errorf("%w: revoke family: %v", ErrTokenReuseDetected, revokeErr)
			}
		}
		return "", nil, old, err
	}
	return nextRaw, next, old, nil
}

// RevokeAll revokes every live refresh token for the principal,
// optionally scoped to one tenant.
func (t *TokenService) RevokeAll(ctx context.Context, principalID, tenantID string) (int64, error) {
	return t.store.RefreshTokens(ctx).RevokeAll(ctx, principalID, tenantID)
}

// IssueAPIToken mints a long-lived scoped token. The plaintext is
// returned exactly once; storage keeps only the hash. A duplicate-hash
// insert (the hash column is unique) is retried once with fresh material.
func (t *TokenService) IssueAPIToken(ctx context.Context, principalID, tenantID, name string, scopes []string, expiresInDays int) (string, *APIToken, error) {
	for _, s := range scopes {
		if !knownPermission(s) {
			return "", nil, &ValidationError{Field: "scopes", Reason: fmt.Sprintf("unknown scope %q", s)}
		}
	}
	if expiresInDays <= 0 {
		expiresInDays = 90
	}
	now := t.now().UTC()
	for attempt := 0; ; attempt++ {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return "", nil, err
		}
		plaintext := apiTokenPrefix + "_" + base64.RawURLEncoding.EncodeToString(secretBytes)
		rec := &APIToken{
			ID:          ids.NewPrefixed("apit"),
			PrincipalID: principalID,
			TenantID:    tenantID,
			Name:        strings.TrimSpace(name),
			TokenHash:   hashSecret(plaintext),
			Scopes:      scopes,
			ExpiresAt:   now.Add(time.Duration(expiresInDays) * 24 * time.Hour),
			CreatedAt:   now,
		}
		err := t.store.APITokens(ctx).Create(ctx, rec)
		if err == nil {
			return plaintext, rec, nil
		}
		if attempt == 0 && IsUniqueViolation(err) {
			continue
		}
		return "", nil, err
	}
}

// IsAPIToken reports whether a bearer credential is an API token by its
// prefix, as opposed to a signed JWT.
func IsAPIToken(token string) bool {
	return strings.HasPrefix(token, apiTokenPrefix+"_")
}

// Fingerprint derives a short stable identifier for a token, used by
// the session registry. Never reversible to the token itself.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:32]
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}
