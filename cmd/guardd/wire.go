package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"ZKGuard-Chain/internal/config"
	"ZKGuard-Chain/internal/enclave"
	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/executor"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/storage"
	storagemysql "ZKGuard-Chain/internal/storage/mysql"
	"ZKGuard-Chain/internal/task"
	"ZKGuard-Chain/internal/verifier"
	"ZKGuard-Chain/internal/web3"
	"ZKGuard-Chain/internal/web3/paymaster"
	"ZKGuard-Chain/pkg/logger"
)

func newRecordStore(ctx context.Context, cfg *config.Config) (storage.RecordStore, error) {
	switch cfg.Storage.RecordStore.Driver {
	case "", "memory":
		return storage.NewMemoryStore(cfg.Runtime.DataDir)
	case "mysql":
		return storagemysql.NewRecordStore(ctx, storagemysql.FromDatabaseConfig(cfg.Storage.RecordStore))
	default:
		return nil, fmt.Errorf("未知的记录存储驱动: %s", cfg.Storage.RecordStore.Driver)
	}
}

func newJobStore(ctx context.Context, cfg config.DatabaseConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, storagemysql.FromDatabaseConfig(cfg))
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func newQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfigFrom(cfg.Redis))
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfigFrom(cfg.RabbitMQ))
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// newSigner 选择签名模式。enclave 模式在启动时按需创建会话密钥，已存在时直接复用。
func newSigner(ctx context.Context, cfg config.ExecutorConfig, client *enclave.Client, engine *policy.Engine) (executor.Signer, error) {
	account := optionalAddress(cfg.DefaultSmartAccount)
	switch cfg.Signer {
	case "local":
		return executor.NewLocalSigner(cfg.LocalSigningKeyHex, account, engine)
	case "enclave":
		sessionID := strings.TrimSpace(cfg.SessionAccountID)
		if sessionID == "" {
			return nil, fmt.Errorf("executor.signer=enclave 需要配置 session_account_id")
		}
		info, err := client.ProvisionSessionKey(ctx, enclave.ProvisionRequest{
			SessionAccountID:    sessionID,
			PrivateKey:          cfg.SessionPrivateKey,
			SmartAccountAddress: account.Hex(),
		})
		switch {
		case err == nil:
			account = info.SmartAccountAddress
			logger.AuditEvent("guardd", "session_key_provisioned",
				slog.String("session_account_id", sessionID),
				slog.String("signer_address", info.SignerAddress.Hex()))
		case xerrors.HasCode(err, xerrors.CodeSessionKeyExists):
			logger.L().Info("会话密钥已存在，直接复用", slog.String("session_account_id", sessionID))
		default:
			return nil, fmt.Errorf("创建会话密钥失败: %w", err)
		}
		return executor.NewEnclaveSigner(client, sessionID, account), nil
	default:
		return nil, fmt.Errorf("未知的签名模式: %s", cfg.Signer)
	}
}

func newSponsor(ctx context.Context, url string) (executor.Sponsor, func(), error) {
	if strings.TrimSpace(url) == "" {
		return nil, func() {}, nil
	}
	client, err := paymaster.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// newBoundaryCheck 构造提交前的证明预检。simulate 对链上验证器做 eth_call，
// reference 在本地验证并登记 nullifier。
func newBoundaryCheck(ctx context.Context, cfg *config.Config, chain web3.Client, from common.Address) (verifier.Boundary, func(), error) {
	switch cfg.Executor.BoundaryCheck {
	case "":
		return nil, func() {}, nil
	case "simulate":
		return verifier.NewSimulator(chain, common.HexToAddress(cfg.Executor.VerifierAddress), from), func() {}, nil
	case "reference":
		registry, closeRegistry, err := newNullifierRegistry(ctx, cfg.Nullifiers)
		if err != nil {
			return nil, nil, err
		}
		// 真实调用由执行器随后经 bundler 提交，这里只消耗 nullifier。
		discard := verifier.CallSinkFunc(func(context.Context, common.Address, *big.Int, []byte) ([]byte, error) {
			return nil, nil
		})
		return verifier.NewReference(common.HexToAddress(cfg.Executor.AttesterAddress), registry, discard), closeRegistry, nil
	default:
		return nil, nil, fmt.Errorf("未知的边界预检模式: %s", cfg.Executor.BoundaryCheck)
	}
}

func newNullifierRegistry(ctx context.Context, cfg config.NullifierConfig) (verifier.NullifierRegistry, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return verifier.NewMemoryNullifierRegistry(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("连接 nullifier Redis 失败: %w", err)
		}
		return verifier.NewRedisNullifierRegistry(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的 nullifier 登记表驱动: %s", cfg.Driver)
	}
}

// applyChainDefinition 用默认链定义补齐执行器未显式配置的端点。
func applyChainDefinition(cfg *config.ExecutorConfig, def web3.ChainDefinition) {
	if cfg.BundlerURL == "" {
		cfg.BundlerURL = def.BundlerURL
	}
	if cfg.PaymasterURL == "" {
		cfg.PaymasterURL = def.PaymasterURL
	}
	if cfg.VerifierAddress == "" {
		cfg.VerifierAddress = def.VerifierAddress
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = def.ChainID
	}
}

func optionalAddress(value string) common.Address {
	if !common.IsHexAddress(strings.TrimSpace(value)) {
		return common.Address{}
	}
	return common.HexToAddress(strings.TrimSpace(value))
}
