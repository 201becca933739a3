package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Principals(context.Context) PrincipalStore { return &principalStore{db: s.db} }
func (s *PGStore) Tenants(context.Context) TenantStore       { return &tenantStore{db: s.db} }
func (s *PGStore) Memberships(context.Context) MembershipStore {
	return &membershipStore{db: s.db}
}
func (s *PGStore) CountryAssignments(context.Context) CountryAssignmentStore {
	return &countryStore{db: s.db}
}
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &refreshTokenStore{db: s.db}
}
func (s *PGStore) APITokens(context.Context) APITokenStore { return &apiTokenStore{db: s.db} }
func (s *PGStore) TwoFactor(context.Context) TwoFactorStore {
	return &twoFactorStore{db: s.db}
}
func (s *PGStore) Features(context.Context) FeatureStore { return &featureStore{db: s.db} }

// Principal store ------------------------------------------------------------
type principalStore struct{ db *sql.DB }

const principalColumns = `id, email, password_hash, kind, coalesce(platform_role_id,''), status, deleted_at, created_at, updated_at`

func scanPrincipal(row *sql.Row) (*Principal, error) {
	var p Principal
	var deleted sql.NullTime
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.Kind, &p.PlatformRoleID,
		&p.Status, &deleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		p.DeletedAt = &t
	}
	return &p, nil
}

func (s *principalStore) Find(ctx context.Context, id string) (*Principal, error) {
	return scanPrincipal(s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id=$1`, id))
}

func (s *principalStore) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	return scanPrincipal(s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where email=$1`, email))
}

// Tenant store ---------------------------------------------------------------
type tenantStore struct{ db *sql.DB }

func (s *tenantStore) Find(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, status, country, business_type, locked, created_at, updated_at
		 from tenants where id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Country, &t.BusinessType,
		&t.Locked, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Membership store -----------------------------------------------------------
type membershipStore struct{ db *sql.DB }

func (s *membershipStore) Active(ctx context.Context, principalID, tenantID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`select principal_id, tenant_id, role_id, is_default, is_active, created_at
		 from memberships where principal_id=$1 and tenant_id=$2 and is_active`,
		principalID, tenantID)
	var m Membership
	if err := row.Scan(&m.PrincipalID, &m.TenantID, &m.RoleID, &m.IsDefault,
		&m.IsActive, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *membershipStore) ListActive(ctx context.Context, principalID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select principal_id, tenant_id, role_id, is_default, is_active, created_at
		 from memberships where principal_id=$1 and is_active order by created_at`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.PrincipalID, &m.TenantID, &m.RoleID, &m.IsDefault,
			&m.IsActive, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *membershipStore) SetDefault(ctx context.Context, principalID, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`update memberships set is_default=false where principal_id=$1 and is_default`,
		principalID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update memberships set is_default=true where principal_id=$1 and tenant_id=$2 and is_active`,
		principalID, tenantID); err != nil {
		return err
	}
	return tx.Commit()
}

// Country assignment store ---------------------------------------------------
type countryStore struct{ db *sql.DB }

func (s *countryStore) Countries(ctx context.Context, adminID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select country_code from country_assignments where admin_id=$1 order by country_code`, adminID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// Refresh token store ----------------------------------------------------------
type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, principal_id, tenant_id, family_id, token_hash, ip, user_agent, issued_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tok.ID, tok.PrincipalID, tok.TenantID, tok.FamilyID, tok.TokenHash,
		tok.IP, tok.UserAgent, tok.IssuedAt, tok.ExpiresAt,
	)
	return err
}

// Rotate consumes the old token and inserts its replacement in one
// transaction. The consume is a single conditional update: the losing
// side of a concurrent rotation matches zero rows and is classified by
// a follow-up read.
func (s *refreshTokenStore) Rotate(ctx context.Context, id, providedHash string, next *RefreshToken) (*RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	old := RefreshToken{ID: id, TokenHash: providedHash, RevokedAt: &now, ReplacedByID: next.ID}
	err = tx.QueryRowContext(ctx,
		`update refresh_tokens set revoked_at=$3, replaced_by=$4
		 where id=$1 and token_hash=$2 and revoked_at is null and expires_at > $3
		 returning principal_id, tenant_id, family_id, issued_at, expires_at`,
		id, providedHash, now, next.ID,
	).Scan(&old.PrincipalID, &old.TenantID, &old.FamilyID, &old.IssuedAt, &old.ExpiresAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		// Zero rows: distinguish reuse of a consumed token from a token
		// that never matched. Reuse needs the family id so the caller
		// can revoke the whole chain.
		var familyID string
		var revoked sql.NullTime
		probe := tx.QueryRowContext(ctx,
			`select family_id, revoked_at from refresh_tokens where id=$1 and token_hash=$2`,
			id, providedHash)
		if perr := probe.Scan(&familyID, &revoked); perr != nil {
			if errors.Is(perr, sql.ErrNoRows) {
				return nil, ErrRefreshInvalid
			}
			return nil, perr
		}
		if revoked.Valid {
			return &RefreshToken{ID: id, FamilyID: familyID}, ErrTokenReuseDetected
		}
		return nil, ErrRefreshInvalid
	}

	next.PrincipalID = old.PrincipalID
	next.TenantID = old.TenantID
	next.FamilyID = old.FamilyID
	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(id, principal_id, tenant_id, family_id, token_hash, ip, user_agent, issued_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		next.ID, next.PrincipalID, next.TenantID, next.FamilyID, next.TokenHash,
		next.IP, next.UserAgent, next.IssuedAt, next.ExpiresAt,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &old, nil
}

func (s *refreshTokenStore) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2 where family_id=$1 and revoked_at is null`,
		familyID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *refreshTokenStore) RevokeAll(ctx context.Context, principalID, tenantID string) (int64, error) {
	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	if tenantID == "" {
		res, err = s.db.ExecContext(ctx,
			`update refresh_tokens set revoked_at=$2
			 where principal_id=$1 and revoked_at is null and expires_at > $2`,
			principalID, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`update refresh_tokens set revoked_at=$3
			 where principal_id=$1 and tenant_id=$2 and revoked_at is null and expires_at > $3`,
			principalID, tenantID, now)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// API token store --------------------------------------------------------------
type apiTokenStore struct{ db *sql.DB }

func (s *apiTokenStore) Create(ctx context.Context, tok *APIToken) error {
	scopes, _ := json.Marshal(tok.Scopes)
	_, err := s.db.ExecContext(ctx,
		`insert into api_tokens(id, principal_id, tenant_id, name, token_hash, scopes, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		tok.ID, tok.PrincipalID, tok.TenantID, tok.Name, tok.TokenHash,
		scopes, tok.ExpiresAt,
	)
	return err
}

func (s *apiTokenStore) List(ctx context.Context, principalID, tenantID string) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, principal_id, tenant_id, name, scopes, expires_at, revoked_at, last_used_at, created_at
		 from api_tokens where principal_id=$1 and tenant_id=$2 order by created_at`,
		principalID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var t APIToken
		var scopes []byte
		var revoked, lastUsed sql.NullTime
		if err := rows.Scan(&t.ID, &t.PrincipalID, &t.TenantID, &t.Name,
			&scopes, &t.ExpiresAt, &revoked, &lastUsed, &t.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(scopes, &t.Scopes)
		if revoked.Valid {
			v := revoked.Time
			t.RevokedAt = &v
		}
		if lastUsed.Valid {
			v := lastUsed.Time
			t.LastUsedAt = &v
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *apiTokenStore) Revoke(ctx context.Context, id, principalID string) error {
	res, err := s.db.ExecContext(ctx,
		`update api_tokens set revoked_at=$3 where id=$1 and principal_id=$2 and revoked_at is null`,
		id, principalID, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *apiTokenStore) FindByHash(ctx context.Context, hash string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, principal_id, tenant_id, name, scopes, expires_at, revoked_at, last_used_at, created_at
		 from api_tokens where token_hash=$1`, hash)
	var t APIToken
	var scopes []byte
	var revoked, lastUsed sql.NullTime
	if err := row.Scan(&t.ID, &t.PrincipalID, &t.TenantID, &t.Name,
		&scopes, &t.ExpiresAt, &revoked, &lastUsed, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(scopes, &t.Scopes)
	if revoked.Valid {
		v := revoked.Time
		t.RevokedAt = &v
	}
	if lastUsed.Valid {
		v := lastUsed.Time
		t.LastUsedAt = &v
	}
	return &t, nil
}

func (s *apiTokenStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update api_tokens set last_used_at=$2 where id=$1`, id, at)
	return err
}

// Two-factor store ---------------------------------------------------------------
type twoFactorStore struct{ db *sql.DB }

func (s *twoFactorStore) Get(ctx context.Context, principalID string) (*TwoFactorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select principal_id, secret, enabled, verified, backup_codes, last_used_step, last_used_at, updated_at
		 from two_factor where principal_id=$1`, principalID)
	var rec TwoFactorRecord
	var codes []byte
	var lastUsed sql.NullTime
	if err := row.Scan(&rec.PrincipalID, &rec.Secret, &rec.Enabled, &rec.Verified,
		&codes, &rec.LastUsedStep, &lastUsed, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(codes, &rec.BackupCodeHashes)
	if lastUsed.Valid {
		v := lastUsed.Time
		rec.LastUsedAt = &v
	}
	return &rec, nil
}

func (s *twoFactorStore) Save(ctx context.Context, rec *TwoFactorRecord) error {
	codes, _ := json.Marshal(rec.BackupCodeHashes)
	_, err := s.db.ExecContext(ctx,
		`insert into two_factor(principal_id, secret, enabled, verified, backup_codes, last_used_step, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7)
		 on conflict (principal_id) do update set
		   secret=excluded.secret, enabled=excluded.enabled, verified=excluded.verified,
		   backup_codes=excluded.backup_codes, last_used_step=excluded.last_used_step,
		   updated_at=excluded.updated_at`,
		rec.PrincipalID, rec.Secret, rec.Enabled, rec.Verified,
		codes, rec.LastUsedStep, time.Now().UTC(),
	)
	return err
}

func (s *twoFactorStore) MarkUsedStep(ctx context.Context, principalID string, step int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update two_factor set last_used_step=$2, last_used_at=$3, updated_at=$3
		 where principal_id=$1 and last_used_step < $2`,
		principalID, step, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *twoFactorStore) ConsumeBackupCode(ctx context.Context, principalID, hash string) (bool, error) {
	// backup_codes is a jsonb string array; `- $2` removes the element
	// and the containment check makes the update conditional.
	res, err := s.db.ExecContext(ctx,
		`update two_factor set backup_codes=backup_codes - $2::text, updated_at=$3
		 where principal_id=$1 and backup_codes @> to_jsonb(array[$2::text])`,
		principalID, hash, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *twoFactorStore) ReplaceBackupCodes(ctx context.Context, principalID string, hashes []string) error {
	codes, _ := json.Marshal(hashes)
	_, err := s.db.ExecContext(ctx,
		`update two_factor set backup_codes=$2, updated_at=$3 where principal_id=$1`,
		principalID, codes, time.Now().UTC())
	return err
}

// Feature store ------------------------------------------------------------------
type featureStore struct{ db *sql.DB }

func (s *featureStore) Enabled(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select feature from tenant_features where tenant_id=$1 and enabled order by feature`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var features []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// IsUniqueViolation reports whether the error is a Postgres duplicate-key error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
