package usecase_test

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/infrastructure/memory"
	"github.com/ErlanBelekov/pro-entitlements/internal/session"
	"github.com/ErlanBelekov/pro-entitlements/internal/usecase"
)

// ---- fakes ----

type fakeCodeRepo struct {
	put     func(ctx context.Context, code *domain.OneTimeCode) error
	consume func(ctx context.Context, identity, codeHash string, now time.Time) (domain.CodeOutcome, error)
}

func (r *fakeCodeRepo) Put(ctx context.Context, code *domain.OneTimeCode) error {
	return r.put(ctx, code)
}

func (r *fakeCodeRepo) Consume(ctx context.Context, identity, codeHash string, now time.Time) (domain.CodeOutcome, error) {
	return r.consume(ctx, identity, codeHash, now)
}

func (r *fakeCodeRepo) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

type fakeEmailSender struct {
	send func(ctx context.Context, to, subject, body string) error
}

func (s *fakeEmailSender) Send(ctx context.Context, to, subject, body string) error {
	return s.send(ctx, to, subject, body)
}

// inbox records the last code emailed to each address.
type inbox struct {
	codes map[string]string
}

var codePattern = regexp.MustCompile(`<strong>(\d{6})</strong>`)

func (in *inbox) sender() *fakeEmailSender {
	return &fakeEmailSender{send: func(_ context.Context, to, _, body string) error {
		m := codePattern.FindStringSubmatch(body)
		if m == nil {
			return errors.New("no code in body")
		}
		in.codes[to] = m[1]
		return nil
	}}
}

// ---- helpers ----

const testSessionKey = "test-session-secret-at-least-32-chars!!"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newAuth(t *testing.T) (*usecase.AuthUsecase, *inbox, *clock, *session.Issuer) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	box := &inbox{codes: map[string]string{}}
	issuer := session.NewIssuer([]byte(testSessionKey), session.DefaultLifetime).WithClock(clk.Now)
	uc := usecase.NewAuthUsecase(memory.NewCodeRepository(), box.sender(), issuer, usecase.DefaultCodeTTL, slog.Default()).
		WithClock(clk.Now)
	return uc, box, clk, issuer
}

func otherCode(code string) string {
	if code == "100000" {
		return "100001"
	}
	return "100000"
}

// ---- RequestCode ----

func TestRequestCode_StoresHashOfEmailedCode(t *testing.T) {
	var stored *domain.OneTimeCode
	repo := &fakeCodeRepo{
		put: func(_ context.Context, code *domain.OneTimeCode) error {
			stored = code
			return nil
		},
	}
	box := &inbox{codes: map[string]string{}}
	issuer := session.NewIssuer([]byte(testSessionKey), 0)
	uc := usecase.NewAuthUsecase(repo, box.sender(), issuer, 0, slog.Default())

	if err := uc.RequestCode(context.Background(), "  Buyer@Example.com "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	code, ok := box.codes["buyer@example.com"]
	if !ok {
		t.Fatal("code was not emailed to the normalized address")
	}
	if stored.Identity != "buyer@example.com" {
		t.Errorf("stored identity = %q", stored.Identity)
	}
	if stored.CodeHash != usecase.HashCode("buyer@example.com", code) {
		t.Error("stored hash does not match the emailed code")
	}
	if stored.CodeHash == code {
		t.Error("code stored in plain text")
	}
	if got := stored.ExpiresAt.Sub(stored.IssuedAt); got != usecase.DefaultCodeTTL {
		t.Errorf("code ttl = %v, want %v", got, usecase.DefaultCodeTTL)
	}
}

func TestRequestCode_CodesAreSixDigitsInRange(t *testing.T) {
	uc, box, _, _ := newAuth(t)
	for range 50 {
		if err := uc.RequestCode(context.Background(), "a@b.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		code := box.codes["a@b.com"]
		if len(code) != 6 || code < "100000" || code > "999999" {
			t.Fatalf("code %q outside [100000, 999999]", code)
		}
	}
}

func TestRequestCode_InvalidEmail(t *testing.T) {
	uc, _, _, _ := newAuth(t)
	for _, addr := range []string{"", "not-an-email", "Name <a@b.com>"} {
		err := uc.RequestCode(context.Background(), addr)
		if !errors.Is(err, domain.ErrMalformedInput) {
			t.Errorf("RequestCode(%q): want ErrMalformedInput, got %v", addr, err)
		}
	}
}

func TestRequestCode_StoreError_IsTransient(t *testing.T) {
	repo := &fakeCodeRepo{
		put: func(context.Context, *domain.OneTimeCode) error { return errors.New("redis down") },
	}
	uc := usecase.NewAuthUsecase(repo, &fakeEmailSender{}, session.NewIssuer([]byte(testSessionKey), 0), 0, slog.Default())

	err := uc.RequestCode(context.Background(), "a@b.com")
	if !errors.Is(err, domain.ErrTransientStore) {
		t.Errorf("want ErrTransientStore, got %v", err)
	}
}

func TestRequestCode_EmailError_Propagates(t *testing.T) {
	sendErr := errors.New("smtp unavailable")
	repo := &fakeCodeRepo{
		put: func(context.Context, *domain.OneTimeCode) error { return nil },
	}
	sender := &fakeEmailSender{
		send: func(context.Context, string, string, string) error { return sendErr },
	}
	uc := usecase.NewAuthUsecase(repo, sender, session.NewIssuer([]byte(testSessionKey), 0), 0, slog.Default())

	err := uc.RequestCode(context.Background(), "a@b.com")
	if !errors.Is(err, sendErr) {
		t.Errorf("want wrapped sendErr, got %v", err)
	}
}

// ---- VerifyCode ----

func TestVerifyCode_WrongTwiceThenRightThenReuse(t *testing.T) {
	uc, box, _, issuer := newAuth(t)
	ctx := context.Background()

	if err := uc.RequestCode(ctx, "a@b.com"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	code := box.codes["a@b.com"]

	for i := range 2 {
		if _, err := uc.VerifyCode(ctx, "a@b.com", otherCode(code)); !errors.Is(err, domain.ErrCodeInvalid) {
			t.Fatalf("wrong attempt %d: want ErrCodeInvalid, got %v", i+1, err)
		}
	}

	cred, err := uc.VerifyCode(ctx, "A@B.com", code)
	if err != nil {
		t.Fatalf("right code rejected: %v", err)
	}
	identity, err := issuer.Accept(cred.Token)
	if err != nil || identity != "a@b.com" {
		t.Fatalf("credential does not carry identity: %q, %v", identity, err)
	}
	if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != session.DefaultLifetime {
		t.Errorf("session lifetime = %v", got)
	}

	if _, err := uc.VerifyCode(ctx, "a@b.com", code); !errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatalf("reused code: want ErrCodeInvalid, got %v", err)
	}
}

func TestVerifyCode_ExpiredAfterTTL(t *testing.T) {
	uc, box, clk, _ := newAuth(t)
	ctx := context.Background()

	if err := uc.RequestCode(ctx, "a@b.com"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	code := box.codes["a@b.com"]

	clk.now = clk.now.Add(usecase.DefaultCodeTTL)
	if _, err := uc.VerifyCode(ctx, "a@b.com", code); !errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatalf("expired code: want ErrCodeInvalid, got %v", err)
	}
}

func TestVerifyCode_NewCodeReplacesOld(t *testing.T) {
	uc, box, _, _ := newAuth(t)
	ctx := context.Background()

	if err := uc.RequestCode(ctx, "a@b.com"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	first := box.codes["a@b.com"]
	var second string
	for second == "" || second == first {
		if err := uc.RequestCode(ctx, "a@b.com"); err != nil {
			t.Fatalf("request code: %v", err)
		}
		second = box.codes["a@b.com"]
	}

	if _, err := uc.VerifyCode(ctx, "a@b.com", first); !errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatalf("superseded code: want ErrCodeInvalid, got %v", err)
	}
	if _, err := uc.VerifyCode(ctx, "a@b.com", second); err != nil {
		t.Fatalf("latest code rejected: %v", err)
	}
}

func TestVerifyCode_NoCodeIssued(t *testing.T) {
	uc, _, _, _ := newAuth(t)

	_, err := uc.VerifyCode(context.Background(), "nobody@b.com", "123456")
	if !errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatalf("want ErrCodeInvalid, got %v", err)
	}
}

func TestVerifyCode_MalformedCodeNeverReachesStore(t *testing.T) {
	repo := &fakeCodeRepo{
		consume: func(context.Context, string, string, time.Time) (domain.CodeOutcome, error) {
			t.Fatal("store consulted for malformed code")
			return "", nil
		},
	}
	uc := usecase.NewAuthUsecase(repo, &fakeEmailSender{}, session.NewIssuer([]byte(testSessionKey), 0), 0, slog.Default())

	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		if _, err := uc.VerifyCode(context.Background(), "a@b.com", code); !errors.Is(err, domain.ErrCodeInvalid) {
			t.Errorf("VerifyCode(%q): want ErrCodeInvalid, got %v", code, err)
		}
	}
}

func TestVerifyCode_StoreError_IsTransient(t *testing.T) {
	repo := &fakeCodeRepo{
		consume: func(context.Context, string, string, time.Time) (domain.CodeOutcome, error) {
			return "", errors.New("connection reset")
		},
	}
	uc := usecase.NewAuthUsecase(repo, &fakeEmailSender{}, session.NewIssuer([]byte(testSessionKey), 0), 0, slog.Default())

	_, err := uc.VerifyCode(context.Background(), "a@b.com", "123456")
	if !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("want ErrTransientStore, got %v", err)
	}
	if errors.Is(err, domain.ErrCodeInvalid) {
		t.Fatal("outage must not look like a wrong code")
	}
}
