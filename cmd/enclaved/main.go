package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"

	"ZKGuard-Chain/internal/config"
	"ZKGuard-Chain/internal/enclave"
	"ZKGuard-Chain/internal/observability/metrics"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/policy/rules"
	"ZKGuard-Chain/internal/proofs"
	"ZKGuard-Chain/pkg/logger"
)

// main 是 enclave 进程的入口。
func main() {
	configPath := pflag.String("config", "", "配置文件路径，默认读取 ZKGUARD_CONFIG 或 configs/zkguard.json")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configPath)); err != nil {
		log.Fatalf("enclaved 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("enclaved")

	domain := metrics.DomainCollector()
	registry := policy.NewRegistry()
	if err := rules.RegisterDefaults(registry, rules.Options{
		DefaultDecimals:       cfg.Policy.DefaultDecimals,
		GasLimitFailOpen:      *cfg.Policy.FailOpen.GasLimit,
		SecurityPauseFailOpen: *cfg.Policy.FailOpen.SecurityPause,
	}); err != nil {
		return err
	}
	engine := policy.NewEngine(registry, policy.WithObserver(domain), policy.WithLogger(logger.Named("enclave.policy")))

	store, closeStore, err := newPolicyStore(cfg.Enclave)
	if err != nil {
		return err
	}
	defer closeStore()

	backend, err := newProofBackend(cfg)
	if err != nil {
		return err
	}
	orchestrator := enclave.NewOrchestrator(store, engine, backend,
		enclave.WithProofObserver(domain),
		enclave.WithDefaultDecimals(cfg.Policy.DefaultDecimals))

	sessions := enclave.NewSessionKeyStore()
	handler := enclave.NewHandler(store, engine, orchestrator, sessions, enclave.NewSigner(sessions, store, engine))
	server := enclave.NewServer(enclave.ServerConfig{
		Address:       cfg.Enclave.ListenAddress,
		MaxLineBytes:  cfg.Enclave.MaxLineBytes,
		RatePerSecond: cfg.Enclave.RatePerSecond,
		RateBurst:     cfg.Enclave.RateBurst,
	}, handler)

	if addr := strings.TrimSpace(cfg.Metrics.Address); addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	lg.Info("enclave 启动",
		slog.String("address", cfg.Enclave.ListenAddress),
		slog.String("prover", backend.Name()),
		slog.Bool("persist_redis", cfg.Enclave.PersistRedis))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newPolicyStore(cfg config.EnclaveConfig) (enclave.PolicyStore, func(), error) {
	if !cfg.PersistRedis {
		return enclave.NewMemoryPolicyStore(), func() {}, nil
	}
	store, err := enclave.NewRedisPolicyStore(enclave.RedisPolicyStoreConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func newProofBackend(cfg *config.Config) (proofs.Backend, error) {
	switch cfg.Prover.Driver {
	case "process":
		return proofs.NewProcessBackend(cfg.Prover.Executable, cfg.Prover.Args, cfg.Prover.WorkingDir, cfg.Prover.Timeout())
	default:
		key, err := attesterKey(cfg.Enclave.AttesterKeyHex)
		if err != nil {
			return nil, err
		}
		backend, err := proofs.NewNativeBackend(key)
		if err != nil {
			return nil, err
		}
		logger.L().Info("证明签名地址", slog.String("attester", backend.Attester().Hex()))
		return backend, nil
	}
}

// attesterKey 解析配置的证明密钥，未配置时随机生成，重启后地址会变化。
func attesterKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		logger.L().Warn("未配置 attester_key，使用临时证明密钥")
		return crypto.GenerateKey()
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析 attester_key 失败: %w", err)
	}
	return key, nil
}
