package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/mail"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/email"
	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
	"github.com/ErlanBelekov/pro-entitlements/internal/repository"
	"github.com/ErlanBelekov/pro-entitlements/internal/session"
)

const (
	DefaultCodeTTL = 10 * time.Minute

	codeMin  = 100000
	codeSpan = 900000 // codes are uniform over [100000, 999999]
)

type AuthUsecase struct {
	codes    repository.CodeRepository
	email    email.Sender
	sessions *session.Issuer
	codeTTL  time.Duration
	now      func() time.Time
	random   io.Reader
	logger   *slog.Logger
}

func NewAuthUsecase(codes repository.CodeRepository, emailSender email.Sender, sessions *session.Issuer, codeTTL time.Duration, logger *slog.Logger) *AuthUsecase {
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	return &AuthUsecase{
		codes:    codes,
		email:    emailSender,
		sessions: sessions,
		codeTTL:  codeTTL,
		now:      time.Now,
		random:   rand.Reader,
		logger:   logger.With("component", "auth"),
	}
}

// WithClock overrides the time source, for tests.
func (u *AuthUsecase) WithClock(now func() time.Time) *AuthUsecase {
	u.now = now
	return u
}

// WithRandom overrides the code entropy source, for tests.
func (u *AuthUsecase) WithRandom(r io.Reader) *AuthUsecase {
	u.random = r
	return u
}

// RequestCode issues a fresh code for the address, replacing any code issued
// before, and emails it. It succeeds for every well-formed address so callers
// cannot probe which identities exist.
func (u *AuthUsecase) RequestCode(ctx context.Context, emailAddr string) error {
	identity, err := parseIdentity(emailAddr)
	if err != nil {
		return err
	}

	code, err := generateCode(u.random)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	now := u.now()
	otc := &domain.OneTimeCode{
		Identity:  identity,
		CodeHash:  HashCode(identity, code),
		IssuedAt:  now,
		ExpiresAt: now.Add(u.codeTTL),
	}
	if err := u.codes.Put(ctx, otc); err != nil {
		return fmt.Errorf("%w: store code: %w", domain.ErrTransientStore, err)
	}
	metrics.CodesIssuedTotal.Inc()

	subject, body := email.LoginCode(code, u.codeTTL)
	if err := u.email.Send(ctx, identity, subject, body); err != nil {
		return fmt.Errorf("send login code: %w", err)
	}
	u.logger.InfoContext(ctx, "login code issued", "identity", identity, "expires_at", otc.ExpiresAt)
	return nil
}

// VerifyCode consumes the code and returns a session credential. Every
// failure other than a store outage is reported as domain.ErrCodeInvalid.
func (u *AuthUsecase) VerifyCode(ctx context.Context, emailAddr, code string) (session.Credential, error) {
	identity, err := parseIdentity(emailAddr)
	if err != nil {
		return session.Credential{}, domain.ErrCodeInvalid
	}
	if !isCode(code) {
		metrics.CodeVerificationsTotal.WithLabelValues("malformed").Inc()
		return session.Credential{}, domain.ErrCodeInvalid
	}

	outcome, err := u.codes.Consume(ctx, identity, HashCode(identity, code), u.now())
	if err != nil {
		return session.Credential{}, fmt.Errorf("%w: consume code: %w", domain.ErrTransientStore, err)
	}
	metrics.CodeVerificationsTotal.WithLabelValues(string(outcome)).Inc()

	if outcome != domain.CodeMatched {
		u.logger.InfoContext(ctx, "login code rejected", "identity", identity, "outcome", outcome)
		return session.Credential{}, domain.ErrCodeInvalid
	}

	cred, err := u.sessions.Issue(identity)
	if err != nil {
		return session.Credential{}, fmt.Errorf("issue session: %w", err)
	}
	u.logger.InfoContext(ctx, "login succeeded", "identity", identity)
	return cred, nil
}

// HashCode is the stored form of a code. The identity is mixed in so equal
// codes issued to different identities never share a hash.
func HashCode(identity, code string) string {
	sum := sha256.Sum256([]byte(identity + ":" + code))
	return hex.EncodeToString(sum[:])
}

func generateCode(r io.Reader) (string, error) {
	n, err := rand.Int(r, big.NewInt(codeSpan))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

func isCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseIdentity(emailAddr string) (string, error) {
	identity := domain.NormalizeIdentity(emailAddr)
	addr, err := mail.ParseAddress(identity)
	if err != nil || addr.Address != identity {
		return "", fmt.Errorf("%w: invalid email address", domain.ErrMalformedInput)
	}
	return identity, nil
}
