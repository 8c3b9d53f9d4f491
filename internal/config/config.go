package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ZKGuard-Chain/internal/auth"
	"ZKGuard-Chain/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ZKGUARD_CONFIG"

// DefaultPath 是未设置环境变量和命令行参数时使用的配置路径。
var DefaultPath = filepath.Join("configs", "zkguard.json")

// Config 描述 enclaved 与 guardd 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig    `json:"server"`
	Enclave    EnclaveConfig   `json:"enclave"`
	Prover     ProverConfig    `json:"prover"`
	Policy     PolicyConfig    `json:"policy"`
	Executor   ExecutorConfig  `json:"executor"`
	Storage    StorageConfig   `json:"storage"`
	TaskQueue  TaskQueueConfig `json:"task_queue"`
	Nullifiers NullifierConfig `json:"nullifiers"`
	Signals    SignalsConfig   `json:"signals"`
	Web3       Web3Config      `json:"web3"`
	Adapters   AdaptersConfig  `json:"adapters"`
	Alerting   AlertingConfig  `json:"alerting"`
	Metrics    MetricsConfig   `json:"metrics"`
	Logging    logger.Config   `json:"logging"`
	Runtime    RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 guardd REST 服务的监听地址与认证。
type ServerConfig struct {
	Address string      `json:"address"`
	Auth    auth.Config `json:"auth"`
}

// EnclaveConfig 描述 enclave 协议服务的监听与限流参数。
type EnclaveConfig struct {
	ListenAddress string  `json:"listen_address"`
	MaxLineBytes  int     `json:"max_line_bytes"`
	RatePerSecond float64 `json:"rate_per_second"`
	RateBurst     int     `json:"rate_burst"`
	// AttesterKeyHex 为空时 enclave 启动时随机生成证明签名密钥。
	AttesterKeyHex string `json:"attester_key"`
	// PersistRedis 为 true 时策略配置会同步写入 Redis。
	PersistRedis bool        `json:"persist_redis"`
	Redis        RedisConfig `json:"redis"`
}

// ProverConfig 选择证明后端。
type ProverConfig struct {
	Driver         string   `json:"driver"`
	Executable     string   `json:"executable"`
	Args           []string `json:"args"`
	WorkingDir     string   `json:"working_dir"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Timeout 返回单次证明的超时时间。
func (p ProverConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// PolicyConfig 控制内置规则在信号缺失时的行为。
type PolicyConfig struct {
	FailOpen        FailOpenConfig `json:"fail_open"`
	DefaultDecimals int            `json:"default_decimals"`
}

// FailOpenConfig 为 true 表示信号缺失时放行。
type FailOpenConfig struct {
	GasLimit      *bool `json:"gas_limit"`
	SecurityPause *bool `json:"security_pause"`
}

// ExecutorConfig 描述 ERC-4337 提交链路。
type ExecutorConfig struct {
	EntryPoint          string `json:"entry_point"`
	ChainID             int64  `json:"chain_id"`
	BundlerURL          string `json:"bundler_url"`
	PaymasterURL        string `json:"paymaster_url"`
	PollIntervalMillis  int    `json:"poll_interval_ms"`
	PollAttempts        int    `json:"poll_attempts"`
	Signer              string `json:"signer"`
	EnclaveAddress      string `json:"enclave_address"`
	LocalSigningKeyHex  string `json:"local_signing_key"`
	RequestTimeoutSecs  int    `json:"request_timeout_seconds"`
	DefaultSmartAccount string `json:"default_smart_account"`
	// VerifierAddress 非空时，每次执行都携带证明并经由链上验证器调用。
	VerifierAddress string `json:"verifier_address"`
	// BoundaryCheck 控制提交前的证明预检：空、simulate（eth_call 链上验证器）或
	// reference（本地参考验证器，消耗 nullifiers 登记表）。
	BoundaryCheck   string `json:"boundary_check"`
	AttesterAddress string `json:"attester_address"`
	// SessionAccountID 是 enclave 签名模式下使用的会话账户，启动时按需创建。
	SessionAccountID  string `json:"session_account_id"`
	SessionPrivateKey string `json:"session_private_key"`
}

// PollInterval 返回回执轮询的间隔。
func (e ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMillis) * time.Millisecond
}

// RequestTimeout 返回单次 RPC 请求的超时。
func (e ExecutorConfig) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutSecs) * time.Second
}

// StorageConfig 统一描述记录存储与执行任务存储。
type StorageConfig struct {
	RecordStore DatabaseConfig `json:"record_store"`
	JobStore    DatabaseConfig `json:"job_store"`
}

// DatabaseConfig 描述 memory 或 mysql 后端。
type DatabaseConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	Retries                int    `json:"retries"`
}

// TaskQueueConfig 描述执行任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是所有 Redis 客户端共用的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	Prefix           string `json:"prefix"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// NullifierConfig 选择参考验证器的 nullifier 登记表。
type NullifierConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// SignalsConfig 描述外部信号来源。
type SignalsConfig struct {
	GasPrice            bool   `json:"gas_price"`
	TelemetryURL        string `json:"telemetry_url"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
	CollectTimeoutMilli int    `json:"collect_timeout_ms"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与链定义。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// AdaptersConfig 指向适配器权限清单。
type AdaptersConfig struct {
	Manifest string `json:"manifest"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// MetricsConfig 控制指标端点。
type MetricsConfig struct {
	Address string `json:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ResolvePath 按 命令行参数 > 环境变量 > 默认值 的顺序确定配置路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 JSON 内容并补全默认值，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Enclave.ListenAddress == "" {
		c.Enclave.ListenAddress = "127.0.0.1:7000"
	}
	if c.Enclave.MaxLineBytes <= 0 {
		c.Enclave.MaxLineBytes = 1 << 20
	}
	if c.Enclave.RatePerSecond <= 0 {
		c.Enclave.RatePerSecond = 20
	}
	if c.Enclave.RateBurst <= 0 {
		c.Enclave.RateBurst = 40
	}

	if c.Prover.Driver == "" {
		c.Prover.Driver = "native"
	}
	if c.Prover.TimeoutSeconds <= 0 {
		c.Prover.TimeoutSeconds = 120
	}
	c.Prover.WorkingDir = resolve(baseDir, c.Prover.WorkingDir, baseDir)

	enabled := true
	if c.Policy.FailOpen.GasLimit == nil {
		c.Policy.FailOpen.GasLimit = &enabled
	}
	if c.Policy.FailOpen.SecurityPause == nil {
		c.Policy.FailOpen.SecurityPause = &enabled
	}
	if c.Policy.DefaultDecimals <= 0 {
		c.Policy.DefaultDecimals = 18
	}

	if c.Executor.PollIntervalMillis <= 0 {
		c.Executor.PollIntervalMillis = 2000
	}
	if c.Executor.PollAttempts <= 0 {
		c.Executor.PollAttempts = 30
	}
	if c.Executor.Signer == "" {
		c.Executor.Signer = "enclave"
	}
	if c.Executor.EnclaveAddress == "" {
		c.Executor.EnclaveAddress = c.Enclave.ListenAddress
	}
	if c.Executor.RequestTimeoutSecs <= 0 {
		c.Executor.RequestTimeoutSecs = 15
	}
	if c.Executor.EntryPoint == "" {
		c.Executor.EntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
	}

	if c.Storage.RecordStore.Driver == "" {
		c.Storage.RecordStore.Driver = "memory"
	}
	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	if c.Storage.JobStore.Retries <= 0 {
		c.Storage.JobStore.Retries = 1
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 1
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 256
	}

	if c.Nullifiers.Driver == "" {
		c.Nullifiers.Driver = "memory"
	}

	if c.Signals.TimeoutSeconds <= 0 {
		c.Signals.TimeoutSeconds = 5
	}
	if c.Signals.CollectTimeoutMilli <= 0 {
		c.Signals.CollectTimeoutMilli = 3000
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Adapters.Manifest != "" {
		c.Adapters.Manifest = resolve(baseDir, c.Adapters.Manifest, "")
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9100"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
}

func (c *Config) validate() error {
	switch c.Prover.Driver {
	case "native":
	case "process":
		if strings.TrimSpace(c.Prover.Executable) == "" {
			return errors.New("prover.driver=process 需要配置 executable")
		}
	default:
		return fmt.Errorf("未知的证明后端: %s", c.Prover.Driver)
	}
	switch c.Executor.Signer {
	case "enclave", "local":
	default:
		return fmt.Errorf("未知的签名模式: %s", c.Executor.Signer)
	}
	switch c.Executor.BoundaryCheck {
	case "":
	case "simulate":
		if strings.TrimSpace(c.Executor.VerifierAddress) == "" {
			return errors.New("executor.boundary_check=simulate 需要配置 verifier_address")
		}
	case "reference":
		if strings.TrimSpace(c.Executor.AttesterAddress) == "" {
			return errors.New("executor.boundary_check=reference 需要配置 attester_address")
		}
	default:
		return fmt.Errorf("未知的边界预检模式: %s", c.Executor.BoundaryCheck)
	}
	switch c.Nullifiers.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的 nullifier 登记表驱动: %s", c.Nullifiers.Driver)
	}
	if c.Executor.PollAttempts > 1000 {
		return errors.New("executor.poll_attempts 过大")
	}
	return nil
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
