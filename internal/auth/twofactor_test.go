package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func newTestTwoFactor(t *testing.T) (*TwoFactorChallenge, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	bridge := NewBridgeStore(newTestRedis(t), 7*time.Minute)
	tf := NewTwoFactorChallenge(store, bridge, "CrewDesk")
	return tf, store
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totpOpts)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

func enroll(t *testing.T, tf *TwoFactorChallenge, principalID string) (secret string, backup []string) {
	t.Helper()
	ctx := context.Background()
	mat, err := tf.BeginSetup(ctx, principalID, principalID+"@acme.test")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	jti := "setup-" + principalID
	if err := tf.bridge.Open(ctx, jti, principalID); err != nil {
		t.Fatalf("open setup challenge: %v", err)
	}
	codes, err := tf.ConfirmSetup(ctx, jti, principalID, codeAt(t, mat.Secret, tf.now()))
	if err != nil {
		t.Fatalf("confirm setup: %v", err)
	}
	return mat.Secret, codes
}

func TestTwoFactorEnrollment(t *testing.T) {
	tf, store := newTestTwoFactor(t)
	ctx := context.Background()

	if on, err := tf.Enabled(ctx, "p1"); err != nil || on {
		t.Fatalf("enabled before enrollment: on=%v err=%v", on, err)
	}

	_, codes := enroll(t, tf, "p1")
	if len(codes) != backupCodeCount {
		t.Fatalf("backup codes = %d, want %d", len(codes), backupCodeCount)
	}

	on, err := tf.Enabled(ctx, "p1")
	if err != nil || !on {
		t.Fatalf("enabled after enrollment: on=%v err=%v", on, err)
	}
	rec, err := store.TwoFactor(ctx).Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	for _, h := range rec.BackupCodeHashes {
		for _, c := range codes {
			if h == c {
				t.Fatalf("backup code stored in plaintext")
			}
		}
	}
}

func TestTwoFactorConfirmWrongCode(t *testing.T) {
	tf, _ := newTestTwoFactor(t)
	ctx := context.Background()

	if _, err := tf.BeginSetup(ctx, "p1", "p1@acme.test"); err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	if err := tf.bridge.Open(ctx, "setup-1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := tf.ConfirmSetup(ctx, "setup-1", "p1", "000000"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("wrong code: %v", err)
	}
	if on, _ := tf.Enabled(ctx, "p1"); on {
		t.Fatalf("enrollment activated by a wrong code")
	}
}

func TestTwoFactorVerifyCode(t *testing.T) {
	tf, _ := newTestTwoFactor(t)
	ctx := context.Background()
	secret, _ := enroll(t, tf, "p1")

	// Move the clock forward one period so enrollment's confirmed step
	// does not collide with the login step.
	tf.now = func() time.Time { return time.Now().Add(totpPeriod * 2 * time.Second) }

	if err := tf.bridge.Open(ctx, "login-1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Wrong code burns an attempt, the challenge stays live.
	if err := tf.VerifyCode(ctx, "login-1", "p1", "000000"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("wrong code: %v", err)
	}
	if err := tf.VerifyCode(ctx, "login-1", "p1", codeAt(t, secret, tf.now())); err != nil {
		t.Fatalf("correct code after one failure: %v", err)
	}

	// Success consumed the challenge.
	if err := tf.VerifyCode(ctx, "login-1", "p1", codeAt(t, secret, tf.now())); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("consumed challenge reusable: %v", err)
	}
}

func TestTwoFactorCodeReplayRejected(t *testing.T) {
	tf, _ := newTestTwoFactor(t)
	ctx := context.Background()
	secret, _ := enroll(t, tf, "p1")

	tf.now = func() time.Time { return time.Now().Add(totpPeriod * 2 * time.Second) }
	code := codeAt(t, secret, tf.now())

	if err := tf.bridge.Open(ctx, "login-1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tf.VerifyCode(ctx, "login-1", "p1", code); err != nil {
		t.Fatalf("first use: %v", err)
	}

	// Same code against a fresh challenge: the step was already spent.
	if err := tf.bridge.Open(ctx, "login-2", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tf.VerifyCode(ctx, "login-2", "p1", code); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("replayed code accepted: %v", err)
	}
}

func TestTwoFactorAttemptExhaustion(t *testing.T) {
	tf, _ := newTestTwoFactor(t)
	ctx := context.Background()
	enroll(t, tf, "p1")

	if err := tf.bridge.Open(ctx, "login-1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < maxChallengeTries-1; i++ {
		if err := tf.VerifyCode(ctx, "login-1", "p1", "000000"); !errors.Is(err, ErrInvalidOTP) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	// The budget-spending failure kills the challenge outright.
	if err := tf.VerifyCode(ctx, "login-1", "p1", "000000"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("exhausting attempt: %v", err)
	}
	if err := tf.VerifyCode(ctx, "login-1", "p1", "000000"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("dead challenge: %v", err)
	}
}

func TestTwoFactorBackupCodeSingleUse(t *testing.T) {
	tf, _ := newTestTwoFactor(t)
	ctx := context.Background()
	_, codes := enroll(t, tf, "p1")

	if err := tf.bridge.Open(ctx, "login-1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tf.VerifyBackupCode(ctx, "login-1", "p1", codes[0]); err != nil {
		t.Fatalf("backup code: %v", err)
	}

	if err := tf.bridge.Open(ctx, "login-2", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tf.VerifyBackupCode(ctx, "login-2", "p1", codes[0]); !errors.Is(err, ErrInvalidBackupCode) {
		t.Fatalf("spent backup code accepted: %v", err)
	}
	// A different code still works.
	if err := tf.VerifyBackupCode(ctx, "login-2", "p1", codes[1]); err != nil {
		t.Fatalf("second backup code: %v", err)
	}
}

func TestTwoFactorChallengePrincipalBinding(t *testing.T) {
	tf, _ := newTestTwoFactor(t)
	ctx := context.Background()
	secret, _ := enroll(t, tf, "p1")

	if err := tf.bridge.Open(ctx, "login-1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tf.VerifyCode(ctx, "login-1", "p2", codeAt(t, secret, tf.now())); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("foreign principal verified: %v", err)
	}
}

func TestTwoFactorRegenerateBackupCodes(t *testing.T) {
	tf, _ := newTestTwoFactor(t)
	ctx := context.Background()
	_, old := enroll(t, tf, "p1")

	fresh, err := tf.RegenerateBackupCodes(ctx, "p1")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(fresh) != backupCodeCount {
		t.Fatalf("fresh codes = %d", len(fresh))
	}

	if err := tf.bridge.Open(ctx, "login-1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tf.VerifyBackupCode(ctx, "login-1", "p1", old[0]); !errors.Is(err, ErrInvalidBackupCode) {
		t.Fatalf("rotated-out code accepted: %v", err)
	}
	if err := tf.VerifyBackupCode(ctx, "login-1", "p1", fresh[0]); err != nil {
		t.Fatalf("fresh code: %v", err)
	}
}

func TestBridgeStoreJTIReuse(t *testing.T) {
	b := NewBridgeStore(newTestRedis(t), time.Minute)
	ctx := context.Background()

	if err := b.Open(ctx, "j1", "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Open(ctx, "j1", "p2"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("jti reuse: %v", err)
	}

	pid, err := b.Consume(ctx, "j1")
	if err != nil || pid != "p1" {
		t.Fatalf("consume: pid=%s err=%v", pid, err)
	}
	if _, err := b.Consume(ctx, "j1"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("double consume: %v", err)
	}
}
