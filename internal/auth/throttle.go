package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThrottleConfig tunes the login throttle.
type ThrottleConfig struct {
	// MaxFailures is the number of consecutive failures within Window
	// that triggers a lockout.
	MaxFailures int
	// Window is the rolling window for the failure counters.
	Window time.Duration
	// LockoutDuration is the cooldown once the threshold is reached.
	LockoutDuration time.Duration
}

// DefaultThrottleConfig matches the documented 5-failure lockout.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MaxFailures:     5,
		Window:          15 * time.Minute,
		LockoutDuration: 15 * time.Minute,
	}
}

// Throttle tracks failed login attempts per identifier and per IP using
// fixed-window redis counters, and holds a lockout flag once the
// threshold trips. Counter loss on redis restart only weakens
// throttling temporarily; it never grants access that the store layer
// would deny.
type Throttle struct {
	rdb redis.UniversalClient
	cfg ThrottleConfig
}

// NewThrottle creates a Throttle backed by the given redis client.
func NewThrottle(rdb redis.UniversalClient, cfg ThrottleConfig) *Throttle {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return &Throttle{rdb: rdb, cfg: cfg}
}

func identifierKey(identifier string) string { return "lt:id:" + identifier }
func ipKey(ip string) string                 { return "lt:ip:" + ip }
func lockKey(identifier string) string       { return "lt:lock:" + identifier }

// Check returns ErrAccountLocked while a lockout is in force, before
// any credential work happens. Redis outage surfaces as a backend
// error, never as a credential failure.
func (t *Throttle) Check(ctx context.Context, identifier, ip string) error {
	locked, err := t.rdb.Exists(ctx, lockKey(identifier)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if locked > 0 {
		return ErrAccountLocked
	}
	for _, key := range t.counterKeys(identifier, ip) {
		count, err := t.rdb.Get(ctx, key).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if count >= int64(t.cfg.MaxFailures) {
			return ErrAccountLocked
		}
	}
	return nil
}

// RecordFailure increments both counters and reports whether this
// failure tripped the lockout. The increment happens before the
// threshold comparison so a racing pair of failures biases toward
// locking, not toward slipping under the threshold.
func (t *Throttle) RecordFailure(ctx context.Context, identifier, ip string) (bool, error) {
	tripped := false
	for _, key := range t.counterKeys(identifier, ip) {
		count, err := t.incrementWithTTL(ctx, key, t.cfg.Window)
		if err != nil {
			return false, err
		}
		if count >= int64(t.cfg.MaxFailures) {
			tripped = true
		}
	}
	if tripped {
		if err := t.rdb.Set(ctx, lockKey(identifier), 1, t.cfg.LockoutDuration).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return tripped, nil
}

// RecordSuccess clears the failure counters. The lockout flag is left
// alone: a correct password during the cooldown still sees
// ACCOUNT_LOCKED until the cooldown expires.
func (t *Throttle) RecordSuccess(ctx context.Context, identifier, ip string) error {
	if err := t.rdb.Del(ctx, t.counterKeys(identifier, ip)...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Unlock clears the lockout flag and counters (manual operator action).
func (t *Throttle) Unlock(ctx context.Context, identifier, ip string) error {
	keys := append(t.counterKeys(identifier, ip), lockKey(identifier))
	if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// FailureCount returns the current identifier counter. Missing keys
// return zero and do not reveal account existence.
func (t *Throttle) FailureCount(ctx context.Context, identifier string) (int, error) {
	count, err := t.rdb.Get(ctx, identifierKey(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(count), nil
}

func (t *Throttle) counterKeys(identifier, ip string) []string {
	keys := []string{identifierKey(identifier)}
	if ip != "" {
		keys = append(keys, ipKey(ip))
	}
	return keys
}

func (t *Throttle) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	// Fixed-window semantics: TTL set only on the first hit.
	if count == 1 {
		if err := t.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return count, nil
}
