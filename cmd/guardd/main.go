package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"

	"ZKGuard-Chain/internal/adapter"
	"ZKGuard-Chain/internal/api"
	"ZKGuard-Chain/internal/auth"
	"ZKGuard-Chain/internal/config"
	"ZKGuard-Chain/internal/enclave"
	"ZKGuard-Chain/internal/executor"
	"ZKGuard-Chain/internal/observability/alerting"
	"ZKGuard-Chain/internal/observability/metrics"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/policy/rules"
	"ZKGuard-Chain/internal/signals"
	"ZKGuard-Chain/internal/task"
	"ZKGuard-Chain/internal/web3/bundler"
	"ZKGuard-Chain/internal/web3/provider"
	"ZKGuard-Chain/pkg/logger"
)

// main 是编排守护进程的入口。
func main() {
	configPath := pflag.String("config", "", "配置文件路径，默认读取 ZKGUARD_CONFIG 或 configs/zkguard.json")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configPath)); err != nil {
		log.Fatalf("guardd 运行失败: %v", err)
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
	lg := logger.Named("guardd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	domain := metrics.DomainCollector()
	alerter := alerting.New(cfg.Alerting.WebhookURL, cfg.Alerting.Channel)

	registry := policy.NewRegistry()
	if err := rules.RegisterDefaults(registry, rules.Options{
		DefaultDecimals:       cfg.Policy.DefaultDecimals,
		GasLimitFailOpen:      *cfg.Policy.FailOpen.GasLimit,
		SecurityPauseFailOpen: *cfg.Policy.FailOpen.SecurityPause,
	}); err != nil {
		return err
	}
	engine := policy.NewEngine(registry, policy.WithObserver(domain))

	adapters, err := newAdapterRegistry(cfg.Adapters)
	if err != nil {
		return err
	}

	records, err := newRecordStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	chain, err := chains.DefaultClient()
	if err != nil {
		return err
	}
	if def, ok := chains.Definition(chains.DefaultChain()); ok {
		applyChainDefinition(&cfg.Executor, def)
	}

	signalRegistry, err := signals.FromConfig(cfg.Signals, chain, signals.WithObserver(domain))
	if err != nil {
		return err
	}

	bundlerClient, err := bundler.Dial(ctx, cfg.Executor.BundlerURL)
	if err != nil {
		return err
	}
	defer bundlerClient.Close()
	entryPoint := common.HexToAddress(cfg.Executor.EntryPoint)
	if err := bundlerClient.EnsureEntryPoint(ctx, entryPoint); err != nil {
		return err
	}

	enclaveClient := enclave.NewClient(cfg.Executor.EnclaveAddress, cfg.Executor.RequestTimeout())
	defer enclaveClient.Close()
	if _, err := enclaveClient.HealthCheck(ctx); err != nil {
		lg.Warn("enclave 健康检查失败，稍后按需重连", slog.Any("error", err))
	}

	signer, err := newSigner(ctx, cfg.Executor, enclaveClient, engine)
	if err != nil {
		return err
	}

	chainID := big.NewInt(cfg.Executor.ChainID)
	if chainID.Sign() == 0 {
		if chainID, err = chain.ChainID(ctx); err != nil {
			return fmt.Errorf("查询链 ID 失败: %w", err)
		}
	}

	opts := []executor.Option{
		executor.WithProver(enclaveClient),
		executor.WithAlerter(alerter),
		executor.WithObserver(domain),
	}
	sponsor, closeSponsor, err := newSponsor(ctx, cfg.Executor.PaymasterURL)
	if err != nil {
		return err
	}
	defer closeSponsor()
	if sponsor != nil {
		opts = append(opts, executor.WithSponsor(sponsor))
	}
	boundary, closeBoundary, err := newBoundaryCheck(ctx, cfg, chain, signer.Account())
	if err != nil {
		return err
	}
	defer closeBoundary()
	if boundary != nil {
		opts = append(opts, executor.WithBoundaryCheck(boundary))
	}

	exec, err := executor.New(executor.Config{
		EntryPoint:          entryPoint,
		ChainID:             chainID,
		VerifierAddress:     optionalAddress(cfg.Executor.VerifierAddress),
		DefaultSmartAccount: optionalAddress(cfg.Executor.DefaultSmartAccount),
		PollInterval:        cfg.Executor.PollInterval(),
		PollAttempts:        cfg.Executor.PollAttempts,
	}, executor.Dependencies{
		Records:  records,
		Proposer: adapters,
		Engine:   engine,
		Signals:  signalRegistry,
		Chain:    chain,
		Bundler:  bundlerClient,
		Signer:   signer,
	}, opts...)
	if err != nil {
		return err
	}

	jobStore, err := newJobStore(ctx, cfg.Storage.JobStore)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	queue, err := newQueue(ctx, cfg.TaskQueue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Error("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	jobs := task.NewService(jobStore, queue, records, cfg.Storage.JobStore.Retries)
	processor := task.NewProcessor(exec, jobStore, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(alerter),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Records:  records,
		Engine:   engine,
		Adapters: adapters,
		Signals:  signalRegistry,
		Jobs:     jobs,
		Enclave:  enclaveClient,
		Auth:     authService,
	})
	lg.Info("guardd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("record_store", cfg.Storage.RecordStore.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("signer", cfg.Executor.Signer),
		slog.String("boundary_check", cfg.Executor.BoundaryCheck),
		slog.String("auth", string(authService.Mode())))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newAdapterRegistry 按清单注册内置适配器，同时充当 executor.Proposer 与 api.Adapters。
func newAdapterRegistry(cfg config.AdaptersConfig) (*adapter.Registry, error) {
	manifest, err := adapter.LoadManifest(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	registry := adapter.NewRegistry(manifest)
	if err := adapter.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
