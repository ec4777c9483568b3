package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CodeRepository struct {
	pool *pgxpool.Pool
}

func NewCodeRepository(pool *pgxpool.Pool) *CodeRepository {
	return &CodeRepository{pool: pool}
}

func (r *CodeRepository) Put(ctx context.Context, code *domain.OneTimeCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO one_time_codes (identity, code_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity) DO UPDATE
		SET    code_hash  = EXCLUDED.code_hash,
		       issued_at  = EXCLUDED.issued_at,
		       expires_at = EXCLUDED.expires_at`,
		code.Identity, code.CodeHash, code.IssuedAt, code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put code: %w", err)
	}
	return nil
}

// Consume locks the identity's row, deletes it when it is expired or
// matches, and reports what it saw. A concurrent Consume blocks on the row
// lock and then finds nothing, so a code matches at most once.
func (r *CodeRepository) Consume(ctx context.Context, identity, codeHash string, now time.Time) (domain.CodeOutcome, error) {
	query := `
		WITH target AS (
			SELECT identity, code_hash, expires_at
			FROM   one_time_codes
			WHERE  identity = $1
			FOR UPDATE
		), del AS (
			DELETE FROM one_time_codes c
			USING  target t
			WHERE  c.identity = t.identity
			  AND  (t.expires_at <= $3 OR t.code_hash = $2)
			RETURNING c.identity
		)
		SELECT t.expires_at <= $3, t.code_hash = $2, EXISTS (SELECT 1 FROM del)
		FROM   target t`

	var expired, matched, deleted bool
	err := r.pool.QueryRow(ctx, query, identity, codeHash, now).Scan(&expired, &matched, &deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CodeMissing, nil
		}
		return "", fmt.Errorf("consume code: %w", err)
	}

	switch {
	case expired:
		return domain.CodeExpired, nil
	case matched && deleted:
		return domain.CodeMatched, nil
	default:
		return domain.CodeMismatch, nil
	}
}

func (r *CodeRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM one_time_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *CodeRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
