package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

const (
	totpPeriod        = 30
	backupCodeCount   = 10
	maxChallengeTries = 5
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// SetupMaterial is returned once at enrollment start; the secret is
// never readable again through the API.
type SetupMaterial struct {
	Secret     string
	OTPAuthURL string
}

// BridgeStore keeps pending two-factor challenges in redis, keyed by
// the bridge token's jti. Each challenge is single-use: a successful
// verification consumes it, and repeated failures delete it terminally.
type BridgeStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewBridgeStore creates a BridgeStore; ttl must match the bridge
// token lifetime so redis and JWT expiry agree.
func NewBridgeStore(rdb redis.UniversalClient, ttl time.Duration) *BridgeStore {
	return &BridgeStore{rdb: rdb, ttl: ttl}
}

func challengeKey(jti string) string { return "2fa:ch:" + jti }
func attemptsKey(jti string) string  { return "2fa:att:" + jti }

// Open registers a challenge for the jti. NX guards against jti reuse.
func (b *BridgeStore) Open(ctx context.Context, jti, principalID string) error {
	ok, err := b.rdb.SetNX(ctx, challengeKey(jti), principalID, b.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return ErrTokenInvalid
	}
	return nil
}

// Peek returns the principal bound to a live challenge without
// consuming it.
func (b *BridgeStore) Peek(ctx context.Context, jti string) (string, error) {
	pid, err := b.rdb.Get(ctx, challengeKey(jti)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrChallengeExpired
		}
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return pid, nil
}

// Consume atomically removes the challenge and returns its principal.
// Two racing verifications cannot both succeed.
func (b *BridgeStore) Consume(ctx context.Context, jti string) (string, error) {
	pid, err := b.rdb.GetDel(ctx, challengeKey(jti)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrChallengeExpired
		}
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	_, _ = b.rdb.Del(ctx, attemptsKey(jti)).Result()
	return pid, nil
}

// Fail records a wrong code against the challenge. The challenge
// itself stays live until the attempt budget is spent; exhaustion
// deletes it so the login must restart.
func (b *BridgeStore) Fail(ctx context.Context, jti string) (exhausted bool, err error) {
	n, err := b.rdb.Incr(ctx, attemptsKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if n == 1 {
		if err := b.rdb.Expire(ctx, attemptsKey(jti), b.ttl).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	if n >= maxChallengeTries {
		if err := b.rdb.Del(ctx, challengeKey(jti), attemptsKey(jti)).Err(); err != nil {
			return true, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return true, nil
	}
	return false, nil
}

// TwoFactorChallenge runs TOTP enrollment and challenge verification.
type TwoFactorChallenge struct {
	store  Store
	bridge *BridgeStore
	issuer string
	now    func() time.Time
}

// NewTwoFactorChallenge constructs the challenge service.
func NewTwoFactorChallenge(store Store, bridge *BridgeStore, issuer string) *TwoFactorChallenge {
	if issuer == "" {
		issuer = "crewdesk"
	}
	return &TwoFactorChallenge{store: store, bridge: bridge, issuer: issuer, now: time.Now}
}

// Enabled reports whether the principal has a confirmed enrollment.
func (tf *TwoFactorChallenge) Enabled(ctx context.Context, principalID string) (bool, error) {
	rec, err := tf.store.TwoFactor(ctx).Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.Enabled && rec.Verified, nil
}

// BeginSetup generates a fresh secret and stores it unconfirmed. A
// pending unconfirmed enrollment is overwritten; a confirmed one is
// not touched until the new secret is itself confirmed.
func (tf *TwoFactorChallenge) BeginSetup(ctx context.Context, principalID, accountName string) (*SetupMaterial, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tf.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	rec := &TwoFactorRecord{
		PrincipalID: principalID,
		Secret:      key.Secret(),
		UpdatedAt:   tf.now().UTC(),
	}
	if err := tf.store.TwoFactor(ctx).Save(ctx, rec); err != nil {
		return nil, err
	}
	return &SetupMaterial{Secret: key.Secret(), OTPAuthURL: key.URL()}, nil
}

// ConfirmSetup proves possession of the secret and activates the
// enrollment. Backup codes are returned in plaintext exactly once;
// only their hashes persist.
func (tf *TwoFactorChallenge) ConfirmSetup(ctx context.Context, jti, principalID, code string) ([]string, error) {
	if _, err := tf.bridge.Peek(ctx, jti); err != nil {
		return nil, err
	}
	rec, err := tf.store.TwoFactor(ctx).Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidOTP
		}
		return nil, err
	}
	step, ok := matchTOTPStep(code, rec.Secret, tf.now())
	if !ok {
		if exhausted, ferr := tf.bridge.Fail(ctx, jti); ferr != nil {
			return nil, ferr
		} else if exhausted {
			return nil, ErrChallengeExpired
		}
		return nil, ErrInvalidOTP
	}
	if _, err := tf.bridge.Consume(ctx, jti); err != nil {
		return nil, err
	}
	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}
	now := tf.now().UTC()
	rec.Enabled = true
	rec.Verified = true
	rec.BackupCodeHashes = hashes
	rec.LastUsedStep = step
	rec.LastUsedAt = &now
	rec.UpdatedAt = now
	if err := tf.store.TwoFactor(ctx).Save(ctx, rec); err != nil {
		return nil, err
	}
	return codes, nil
}

// VerifyCode checks a TOTP code against a pending login challenge.
// Success consumes the challenge; a wrong code only burns an attempt,
// never the whole challenge.
func (tf *TwoFactorChallenge) VerifyCode(ctx context.Context, jti, principalID, code string) error {
	boundPID, err := tf.bridge.Peek(ctx, jti)
	if err != nil {
		return err
	}
	if boundPID != principalID {
		return ErrTokenInvalid
	}
	rec, err := tf.store.TwoFactor(ctx).Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOTP
		}
		return err
	}
	if !rec.Enabled || !rec.Verified {
		return ErrInvalidOTP
	}
	step, ok := matchTOTPStep(code, rec.Secret, tf.now())
	if ok {
		// Conditional advance: a code already accepted at this or a
		// later step is a replay.
		advanced, err := tf.store.TwoFactor(ctx).MarkUsedStep(ctx, principalID, step, tf.now().UTC())
		if err != nil {
			return err
		}
		ok = advanced
	}
	if !ok {
		if exhausted, ferr := tf.bridge.Fail(ctx, jti); ferr != nil {
			return ferr
		} else if exhausted {
			return ErrChallengeExpired
		}
		return ErrInvalidOTP
	}
	if _, err := tf.bridge.Consume(ctx, jti); err != nil {
		return err
	}
	return nil
}

// VerifyBackupCode consumes a single-use backup code against a pending
// login challenge.
func (tf *TwoFactorChallenge) VerifyBackupCode(ctx context.Context, jti, principalID, code string) error {
	boundPID, err := tf.bridge.Peek(ctx, jti)
	if err != nil {
		return err
	}
	if boundPID != principalID {
		return ErrTokenInvalid
	}
	consumed, err := tf.store.TwoFactor(ctx).ConsumeBackupCode(ctx, principalID, hashBackupCode(code))
	if err != nil {
		return err
	}
	if !consumed {
		if exhausted, ferr := tf.bridge.Fail(ctx, jti); ferr != nil {
			return ferr
		} else if exhausted {
			return ErrChallengeExpired
		}
		return ErrInvalidBackupCode
	}
	if _, err := tf.bridge.Consume(ctx, jti); err != nil {
		return err
	}
	return nil
}

// RegenerateBackupCodes replaces the stored set and returns the new
// plaintext codes; previously issued codes stop working immediately.
func (tf *TwoFactorChallenge) RegenerateBackupCodes(ctx context.Context, principalID string) ([]string, error) {
	rec, err := tf.store.TwoFactor(ctx).Get(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !rec.Enabled {
		return nil, ErrInvalidOTP
	}
	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := tf.store.TwoFactor(ctx).ReplaceBackupCodes(ctx, principalID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// matchTOTPStep returns the exact time step the code matched within
// the tolerance window, so replay tracking can pin it down. Checking
// candidate steps individually (rather than a bare validate) is what
// makes the step known.
func matchTOTPStep(code, secret string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	base := at.Unix() / totpPeriod
	for _, delta := range []int64{0, -1, 1} {
		step := base + delta
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), totpOpts)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

func newBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		buf := make([]byte, 5)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := hex.EncodeToString(buf)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}
