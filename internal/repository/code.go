package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
)

// CodeRepository stores one active login code per identity. Implementations
// must serialize Put and Consume per identity.
type CodeRepository interface {
	// Put stores code, replacing any code previously issued to the identity.
	Put(ctx context.Context, code *domain.OneTimeCode) error

	// Consume compares codeHash with the stored code as one atomic step.
	// Expired and matched codes are deleted; a mismatch leaves the code in place.
	Consume(ctx context.Context, identity, codeHash string, now time.Time) (domain.CodeOutcome, error)

	// DeleteExpired purges codes that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
