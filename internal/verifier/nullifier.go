package verifier

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "ZKGuard-Chain/internal/errors"
)

// NullifierRegistry records spent nullifiers.
type NullifierRegistry interface {
	// Claim marks the nullifier as spent. It reports false when the
	// nullifier was already spent.
	Claim(ctx context.Context, nullifier common.Hash) (bool, error)
	// Release undoes a claim whose wrapped call reverted.
	Release(ctx context.Context, nullifier common.Hash) error
	Used(ctx context.Context, nullifier common.Hash) (bool, error)
}

// MemoryNullifierRegistry keeps spent nullifiers in process memory.
type MemoryNullifierRegistry struct {
	mu    sync.Mutex
	spent map[common.Hash]struct{}
}

func NewMemoryNullifierRegistry() *MemoryNullifierRegistry {
	return &MemoryNullifierRegistry{spent: make(map[common.Hash]struct{})}
}

func (r *MemoryNullifierRegistry) Claim(_ context.Context, n common.Hash) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spent[n]; ok {
		return false, nil
	}
	r.spent[n] = struct{}{}
	return true, nil
}

func (r *MemoryNullifierRegistry) Release(_ context.Context, n common.Hash) error {
	r.mu.Lock()
	delete(r.spent, n)
	r.mu.Unlock()
	return nil
}

func (r *MemoryNullifierRegistry) Used(_ context.Context, n common.Hash) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.spent[n]
	return ok, nil
}

// RedisNullifierRegistry shares spent nullifiers between processes. Claims
// use SETNX so concurrent presentations of the same nullifier race safely.
type RedisNullifierRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNullifierRegistry wraps an existing client. The prefix defaults to
// "zkguard:nullifier".
func NewRedisNullifierRegistry(client redis.UniversalClient, prefix string) *RedisNullifierRegistry {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "zkguard:nullifier"
	}
	return &RedisNullifierRegistry{client: client, prefix: prefix}
}

func (r *RedisNullifierRegistry) key(n common.Hash) string {
	return r.prefix + ":" + strings.ToLower(n.Hex())
}

func (r *RedisNullifierRegistry) Claim(ctx context.Context, n common.Hash) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(n), 1, 0).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim nullifier")
	}
	return ok, nil
}

func (r *RedisNullifierRegistry) Release(ctx context.Context, n common.Hash) error {
	if err := r.client.Del(ctx, r.key(n)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "release nullifier")
	}
	return nil
}

func (r *RedisNullifierRegistry) Used(ctx context.Context, n common.Hash) (bool, error) {
	count, err := r.client.Exists(ctx, r.key(n)).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "lookup nullifier")
	}
	return count > 0, nil
}
