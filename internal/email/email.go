package email

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v2"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LoginCode renders the email that carries a one-time login code.
func LoginCode(code string, ttl time.Duration) (subject, body string) {
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	subject = "Your sign-in code: " + code
	body = fmt.Sprintf(
		`<p>Your sign-in code is</p><p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>`+
			`<p>It expires in %d minutes. If you did not request it, ignore this email.</p>`,
		html.EscapeString(code), minutes,
	)
	return subject, body
}

// LogSender logs emails instead of sending them, so a login code can be read
// off the console in ENV=local. Never used elsewhere: the body holds the code.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("login email (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender sends emails via the Resend API in staging and production.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" {
		return &LogSender{logger: logger.With("component", "email")}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}
