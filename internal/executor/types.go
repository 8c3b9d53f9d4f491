package executor

import (
	"context"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"ZKGuard-Chain/internal/adapter"
	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/proofs"
	"ZKGuard-Chain/internal/userop"
	"ZKGuard-Chain/internal/web3/paymaster"
)

// Decision 是执行对调用方给出的结论。
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionBlock Decision = "BLOCK"
	DecisionError Decision = "ERROR"
)

// State 是 user operation 生命周期的状态。
type State string

const (
	StateDrafted   State = "DRAFTED"
	StatePrepared  State = "PREPARED"
	StateSponsored State = "SPONSORED"
	StateSigned    State = "SIGNED"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateTimedOut  State = "TIMED_OUT"
	StateRejected  State = "REJECTED"
)

// 终态原因。
const (
	ReasonNoTransaction   = "no transaction required"
	ReasonReceiptNotFound = "receipt not found after polling"
)

// Request 描述一次执行。
type Request struct {
	ExecutionID    string         `json:"executionId,omitempty"`
	JobID          string         `json:"jobId,omitempty"`
	UserAddress    string         `json:"userAddress"`
	InstallationID string         `json:"installationId"`
	Params         map[string]any `json:"params,omitempty"`
}

// Outcome 是执行的终态结果。
type Outcome struct {
	ExecutionID    string                   `json:"executionId"`
	Decision       Decision                 `json:"decision"`
	Reason         string                   `json:"reason,omitempty"`
	BlockingPolicy string                   `json:"blockingPolicy,omitempty"`
	Code           xerrors.Code             `json:"code,omitempty"`
	State          State                    `json:"state"`
	TxHash         string                   `json:"txHash,omitempty"`
	UserOpHash     string                   `json:"userOpHash,omitempty"`
	Trail          []State                  `json:"trail"`
	Evaluation     *policy.EvaluationResult `json:"evaluation,omitempty"`
}

// Succeeded 仅在交易上链确认后为 true。
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Decision == DecisionAllow && o.State == StateConfirmed
}

// Proposer 让适配器为安装提出交易。
type Proposer interface {
	Propose(ctx context.Context, adapterID string, pctx adapter.ProposalContext) (*policy.TransactionIntent, error)
}

// SignalSource 采集策略评估所需的外部信号。
type SignalSource interface {
	Collect(ctx context.Context) policy.Signals
}

// Prover 为交易生成证明，enclave.Client 满足该接口。
type Prover interface {
	GenerateProof(ctx context.Context, userAddress, installationID string, tx proofs.Request) (*proofs.Proof, error)
}

// Chain 提供 nonce 查询所需的合约调用与 gas 价格。
type Chain interface {
	gethcore.ContractCaller
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Bundler 是 ERC-4337 bundler 边界。
type Bundler interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (userop.GasEstimate, error)
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error)
}

// Sponsor 是 paymaster 边界。
type Sponsor interface {
	SponsorUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address, policyContext map[string]any) (paymaster.Sponsorship, error)
}

// Observer 接收执行终态，用于指标。
type Observer interface {
	ObserveExecution(decision, state string)
}

type noopObserver struct{}

func (noopObserver) ObserveExecution(string, string) {}

// Config 是执行器的静态参数。
type Config struct {
	EntryPoint      common.Address
	ChainID         *big.Int
	VerifierAddress common.Address
	// DefaultSmartAccount 在请求参数未指定 smartAccount 时使用。
	DefaultSmartAccount common.Address
	PollInterval        time.Duration
	PollAttempts        int
}

const (
	defaultPollInterval = 2 * time.Second
	defaultPollAttempts = 30
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = defaultPollAttempts
	}
	if c.ChainID == nil {
		c.ChainID = big.NewInt(1)
	}
	return c
}
