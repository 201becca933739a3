package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crewdesk.io/internal/ids"
)

// SessionRegistry tracks live platform-admin sessions for operator
// visibility and manual revocation. It is independent of the refresh
// token chain: revoking a session here does not by itself revoke
// tokens, and vice versa; the service layer couples the two.
type SessionRegistry struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewSessionRegistry creates a registry; ttl bounds how long an idle
// session stays visible.
func NewSessionRegistry(rdb redis.UniversalClient, ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionRegistry{rdb: rdb, ttl: ttl, now: time.Now}
}

func sessionKey(id string) string       { return "asr:s:" + id }
func adminIndexKey(admin string) string { return "asr:a:" + admin }

const sessionIndexKey = "asr:index"

// Record registers a new session and returns its id.
func (r *SessionRegistry) Record(ctx context.Context, adminID, fingerprint string, meta DeviceMeta) (*AdminSession, error) {
	now := r.now().UTC()
	sess := &AdminSession{
		ID:             ids.NewPrefixed("as"),
		AdminID:        adminID,
		Fingerprint:    fingerprint,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(sess.ID), map[string]any{
		"admin_id":      sess.AdminID,
		"fingerprint":   sess.Fingerprint,
		"ip":            sess.IP,
		"user_agent":    sess.UserAgent,
		"created_at":    sess.CreatedAt.Format(time.RFC3339Nano),
		"last_activity": sess.LastActivityAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, sessionKey(sess.ID), r.ttl)
	pipe.SAdd(ctx, adminIndexKey(adminID), sess.ID)
	pipe.SAdd(ctx, sessionIndexKey, sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return sess, nil
}

// Touch refreshes the last-activity timestamp and the TTL.
func (r *SessionRegistry) Touch(ctx context.Context, sessionID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), "last_activity", r.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, sessionKey(sessionID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Get loads one session.
func (r *SessionRegistry) Get(ctx context.Context, sessionID string) (*AdminSession, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeSession(sessionID, fields), nil
}

// List returns every live session, newest first by creation. Expired
// entries encountered along the way are pruned from the index.
func (r *SessionRegistry) List(ctx context.Context) ([]AdminSession, error) {
	idList, err := r.rdb.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var sessions []AdminSession
	for _, id := range idList {
		fields, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if len(fields) == 0 {
			_, _ = r.rdb.SRem(ctx, sessionIndexKey, id).Result()
			continue
		}
		sessions = append(sessions, *decodeSession(id, fields))
	}
	return sessions, nil
}

// ListForAdmin returns the live sessions of one admin.
func (r *SessionRegistry) ListForAdmin(ctx context.Context, adminID string) ([]AdminSession, error) {
	idList, err := r.rdb.SMembers(ctx, adminIndexKey(adminID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var sessions []AdminSession
	for _, id := range idList {
		fields, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if len(fields) == 0 {
			_, _ = r.rdb.SRem(ctx, adminIndexKey(adminID), id).Result()
			continue
		}
		sessions = append(sessions, *decodeSession(id, fields))
	}
	return sessions, nil
}

// Revoke removes a session. Idempotent: revoking a missing session
// reports ErrNotFound but leaves the registry consistent.
func (r *SessionRegistry) Revoke(ctx context.Context, sessionID string) error {
	sess, err := r.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_, _ = r.rdb.SRem(ctx, sessionIndexKey, sessionID).Result()
			return ErrNotFound
		}
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, adminIndexKey(sess.AdminID), sessionID)
	pipe.SRem(ctx, sessionIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// RevokeAllFor removes every session of one admin and returns the count.
func (r *SessionRegistry) RevokeAllFor(ctx context.Context, adminID string) (int, error) {
	idList, err := r.rdb.SMembers(ctx, adminIndexKey(adminID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	revoked := 0
	for _, id := range idList {
		if err := r.Revoke(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

func decodeSession(id string, fields map[string]string) *AdminSession {
	sess := &AdminSession{
		ID:          id,
		AdminID:     fields["admin_id"],
		Fingerprint: fields["fingerprint"],
		IP:          fields["ip"],
		UserAgent:   fields["user_agent"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_activity"]); err == nil {
		sess.LastActivityAt = t
	}
	return sess
}
