package domain

import "time"

// OneTimeCode is a login code issued to an identity. Only the SHA-256 hash of
// the code is stored.
type OneTimeCode struct {
	Identity  string
	CodeHash  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c *OneTimeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// CodeOutcome is what a store observed while consuming a code.
type CodeOutcome string

const (
	CodeMissing  CodeOutcome = "missing"
	CodeExpired  CodeOutcome = "expired"
	CodeMismatch CodeOutcome = "mismatch"
	CodeMatched  CodeOutcome = "matched"
)
