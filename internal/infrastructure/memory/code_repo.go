package memory

import (
	"context"
	"crypto/subtle"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
)

const codeShards = 32

type codeShard struct {
	mu    sync.Mutex
	codes map[string]domain.OneTimeCode
}

// CodeRepository keeps login codes in process memory. Identities are spread
// over independently locked shards, so operations on one identity are
// linearizable without serializing unrelated identities.
type CodeRepository struct {
	shards [codeShards]*codeShard
}

func NewCodeRepository() *CodeRepository {
	r := &CodeRepository{}
	for i := range r.shards {
		r.shards[i] = &codeShard{codes: make(map[string]domain.OneTimeCode)}
	}
	return r
}

func (r *CodeRepository) shard(identity string) *codeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return r.shards[h.Sum32()%codeShards]
}

func (r *CodeRepository) Put(_ context.Context, code *domain.OneTimeCode) error {
	s := r.shard(code.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Identity] = *code
	return nil
}

func (r *CodeRepository) Consume(_ context.Context, identity, codeHash string, now time.Time) (domain.CodeOutcome, error) {
	s := r.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[identity]
	if !ok {
		return domain.CodeMissing, nil
	}
	if stored.Expired(now) {
		delete(s.codes, identity)
		return domain.CodeExpired, nil
	}
	if subtle.ConstantTimeCompare([]byte(stored.CodeHash), []byte(codeHash)) != 1 {
		return domain.CodeMismatch, nil
	}
	delete(s.codes, identity)
	return domain.CodeMatched, nil
}

func (r *CodeRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	purged := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for identity, c := range s.codes {
			if c.Expired(now) {
				delete(s.codes, identity)
				purged++
			}
		}
		s.mu.Unlock()
	}
	return purged, nil
}

func (r *CodeRepository) Ping(context.Context) error { return nil }
