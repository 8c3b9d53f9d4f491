package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ZKGuard-Chain/internal/errors"
)

// RedisPolicyStoreConfig 描述 Redis 持久化参数。
type RedisPolicyStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisPolicyStore 将策略配置持久化到 Redis，使 enclave 重启后仍能生成证明。
type RedisPolicyStore struct {
	client redis.UniversalClient
	prefix string
	locks  *keyLocks
	now    func() time.Time
}

// NewRedisPolicyStore 根据配置创建 Redis 存储。
func NewRedisPolicyStore(cfg RedisPolicyStoreConfig) (*RedisPolicyStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisPolicyStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisPolicyStoreWithClient 使用已有客户端创建存储。
func NewRedisPolicyStoreWithClient(client redis.UniversalClient, prefix string) *RedisPolicyStore {
	if prefix == "" {
		prefix = "zkguard:enclave:policy"
	}
	return &RedisPolicyStore{client: client, prefix: prefix, locks: newKeyLocks(), now: time.Now}
}

func (s *RedisPolicyStore) itemKey(key string) string { return s.prefix + ":" + key }
func (s *RedisPolicyStore) indexKey() string          { return s.prefix + ":keys" }

// Store 覆盖写入配置并维护键索引。
func (s *RedisPolicyStore) Store(ctx context.Context, userAddress, installationID string, cfg json.RawMessage) (StoredPolicyConfig, error) {
	key := StoreKey(userAddress, installationID)
	unlock := s.locks.lock(key)
	defer unlock()

	record := StoredPolicyConfig{
		UserAddress:    strings.ToLower(strings.TrimSpace(userAddress)),
		InstallationID: strings.TrimSpace(installationID),
		PolicyConfig:   append(json.RawMessage(nil), cfg...),
		CreatedAt:      s.now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return StoredPolicyConfig{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode policy config")
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.itemKey(key), payload, 0)
	pipe.SAdd(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return StoredPolicyConfig{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist policy config")
	}
	return record, nil
}

// Get 读取配置，键不存在时返回 false。
func (s *RedisPolicyStore) Get(ctx context.Context, userAddress, installationID string) (StoredPolicyConfig, bool, error) {
	key := StoreKey(userAddress, installationID)
	unlock := s.locks.lock(key)
	defer unlock()

	payload, err := s.client.Get(ctx, s.itemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StoredPolicyConfig{}, false, nil
	}
	if err != nil {
		return StoredPolicyConfig{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load policy config")
	}
	var record StoredPolicyConfig
	if err := json.Unmarshal(payload, &record); err != nil {
		return StoredPolicyConfig{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode policy config")
	}
	return record, true, nil
}

// Count 返回索引中的键数量。
func (s *RedisPolicyStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count policy configs")
	}
	return int(n), nil
}

// Close 关闭 Redis 连接。
func (s *RedisPolicyStore) Close() error {
	return s.client.Close()
}
