package enclave

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"ZKGuard-Chain/internal/policy"
)

// StoredPolicyConfig 是 enclave 中按 (用户, 安装) 保存的策略配置。
type StoredPolicyConfig struct {
	UserAddress    string          `json:"userAddress"`
	InstallationID string          `json:"installationId"`
	PolicyConfig   json.RawMessage `json:"policyConfig"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Policies 解析配置中的策略列表。
func (s StoredPolicyConfig) Policies() ([]policy.Policy, error) {
	set, err := policy.ParsePolicySet(s.PolicyConfig)
	if err != nil {
		return nil, err
	}
	return set.Policies, nil
}

// PolicyStore 保存策略配置。Store 无条件覆盖，Get 在不存在时返回 false 而不是错误。
type PolicyStore interface {
	Store(ctx context.Context, userAddress, installationID string, cfg json.RawMessage) (StoredPolicyConfig, error)
	Get(ctx context.Context, userAddress, installationID string) (StoredPolicyConfig, bool, error)
	Count(ctx context.Context) (int, error)
}

// StoreKey 返回 lowercase(userAddress):installationId。
func StoreKey(userAddress, installationID string) string {
	return strings.ToLower(strings.TrimSpace(userAddress)) + ":" + strings.TrimSpace(installationID)
}

// keyLocks 为每个键提供互斥锁，保证同一键上的写入与读取不会交错。
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// MemoryPolicyStore 是进程内的策略配置存储。
type MemoryPolicyStore struct {
	locks *keyLocks
	mu    sync.RWMutex
	items map[string]StoredPolicyConfig
	now   func() time.Time
}

// NewMemoryPolicyStore 创建内存存储。
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		locks: newKeyLocks(),
		items: make(map[string]StoredPolicyConfig),
		now:   time.Now,
	}
}

// Store 覆盖写入配置。
func (s *MemoryPolicyStore) Store(_ context.Context, userAddress, installationID string, cfg json.RawMessage) (StoredPolicyConfig, error) {
	key := StoreKey(userAddress, installationID)
	unlock := s.locks.lock(key)
	defer unlock()

	record := StoredPolicyConfig{
		UserAddress:    strings.ToLower(strings.TrimSpace(userAddress)),
		InstallationID: strings.TrimSpace(installationID),
		PolicyConfig:   append(json.RawMessage(nil), cfg...),
		CreatedAt:      s.now().UTC(),
	}
	s.mu.Lock()
	s.items[key] = record
	s.mu.Unlock()
	return record, nil
}

// Get 读取配置。
func (s *MemoryPolicyStore) Get(_ context.Context, userAddress, installationID string) (StoredPolicyConfig, bool, error) {
	key := StoreKey(userAddress, installationID)
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.RLock()
	record, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return StoredPolicyConfig{}, false, nil
	}
	record.PolicyConfig = append(json.RawMessage(nil), record.PolicyConfig...)
	return record, true, nil
}

// Count 返回已存储的配置数量。
func (s *MemoryPolicyStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}
