package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/redis/go-redis/v9"
)

const codeKeyPrefix = "entitlements:code:"

// consumeScript compares and deletes in one server-side step. KEYS[1] is the
// code hash key, ARGV[1] the candidate hash, ARGV[2] the caller's clock in
// unix milliseconds.
var consumeScript = redis.NewScript(`
local fields = redis.call("HMGET", KEYS[1], "hash", "exp")
if not fields[1] then
  return "missing"
end
if tonumber(fields[2]) <= tonumber(ARGV[2]) then
  redis.call("DEL", KEYS[1])
  return "expired"
end
if fields[1] == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return "matched"
end
return "mismatch"
`)

// CodeRepository keeps login codes in Redis hashes that expire on their own.
type CodeRepository struct {
	client *redis.Client
}

func NewCodeRepository(client *redis.Client) *CodeRepository {
	return &CodeRepository{client: client}
}

func (r *CodeRepository) Put(ctx context.Context, code *domain.OneTimeCode) error {
	key := codeKeyPrefix + code.Identity
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"hash", code.CodeHash,
			"iat", code.IssuedAt.UnixMilli(),
			"exp", code.ExpiresAt.UnixMilli(),
		)
		pipe.PExpireAt(ctx, key, code.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put code: %w", err)
	}
	return nil
}

func (r *CodeRepository) Consume(ctx context.Context, identity, codeHash string, now time.Time) (domain.CodeOutcome, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{codeKeyPrefix + identity}, codeHash, now.UnixMilli()).Text()
	if err != nil {
		return "", fmt.Errorf("consume code: %w", err)
	}
	outcome := domain.CodeOutcome(res)
	switch outcome {
	case domain.CodeMissing, domain.CodeExpired, domain.CodeMismatch, domain.CodeMatched:
		return outcome, nil
	}
	return "", fmt.Errorf("consume code: unexpected script result %q", res)
}

// DeleteExpired is a no-op: keys carry their own expiry.
func (r *CodeRepository) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *CodeRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
