package email_test

import (
	"strings"
	"testing"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/email"
)

func TestLoginCode(t *testing.T) {
	subject, body := email.LoginCode("482913", 10*time.Minute)

	if !strings.Contains(subject, "482913") {
		t.Errorf("subject %q does not carry the code", subject)
	}
	if !strings.Contains(body, "<strong>482913</strong>") {
		t.Errorf("body does not carry the code: %s", body)
	}
	if !strings.Contains(body, "10 minutes") {
		t.Errorf("body does not state the expiry: %s", body)
	}
}
