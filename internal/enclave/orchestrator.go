package enclave

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/proofs"
	"ZKGuard-Chain/pkg/logger"
)

// ProofObserver 记录证明生成的结果，outcome 取 ok、constraint、error。
type ProofObserver interface {
	ObserveProof(outcome string, duration time.Duration)
}

type noopProofObserver struct{}

func (noopProofObserver) ObserveProof(string, time.Duration) {}

// Orchestrator 把存储的策略配置与交易数据转换为带 nullifier 的证明。
// 同一进程内同时只有一个证明在计算。
type Orchestrator struct {
	store    PolicyStore
	engine   *policy.Engine
	backend  proofs.Backend
	prover   *semaphore.Weighted
	observer ProofObserver
	logger   *slog.Logger
	decimals int
}

// OrchestratorOption 自定义编排器。
type OrchestratorOption func(*Orchestrator)

// WithProofObserver 指定证明指标接收者。
func WithProofObserver(o ProofObserver) OrchestratorOption {
	return func(orc *Orchestrator) {
		if o != nil {
			orc.observer = o
		}
	}
}

// WithDefaultDecimals 指定策略未给出精度时的整币换算精度，应与规则注册时的默认精度一致。
func WithDefaultDecimals(decimals int) OrchestratorOption {
	return func(orc *Orchestrator) {
		if decimals >= 0 {
			orc.decimals = decimals
		}
	}
}

// NewOrchestrator 创建证明编排器。
func NewOrchestrator(store PolicyStore, engine *policy.Engine, backend proofs.Backend, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		engine:   engine,
		backend:  backend,
		prover:   semaphore.NewWeighted(1),
		observer: noopProofObserver{},
		logger:   logger.Named("enclave.prover"),
		decimals: proofs.DefaultDecimals,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GenerateProof 依次完成：派生 nullifier 与输入、执行约束程序、压缩为证明、返回结果。
// 约束不满足返回 PROOF_CONSTRAINT_VIOLATION，其余后端故障返回 PROOF_BACKEND_FAILURE。
func (o *Orchestrator) GenerateProof(ctx context.Context, userAddress, installationID string, req proofs.Request) (*proofs.Proof, error) {
	if !strings.EqualFold(strings.TrimSpace(req.UserAddress), strings.TrimSpace(userAddress)) {
		return nil, xerrors.New(xerrors.CodeProofInputInvalid, "txData.userAddress does not match userAddress")
	}
	parsed, err := req.Parse()
	if err != nil {
		return nil, err
	}

	stored, ok, err := o.store.Get(ctx, userAddress, installationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no policy configuration for %s", StoreKey(userAddress, installationID)))
	}
	policies, err := stored.Policies()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "stored policy configuration is malformed")
	}

	recipient := parsed.Recipient
	pctx := policy.Context{
		UserAddress: parsed.UserAddress,
		Transaction: &policy.TransactionIntent{
			Target:      recipient,
			TokenAmount: parsed.Amount,
			Recipient:   &recipient,
		},
		Timestamp: time.Unix(parsed.Timestamp, 0).UTC(),
	}
	circuitCfg, err := o.engine.BuildCircuitConfig(pctx, policies)
	if err != nil {
		return nil, err
	}

	// (1) 在证明步骤之外派生哈希与 nullifier
	inputs, err := proofs.AssembleInputs(circuitCfg, parsed, o.decimals)
	if err != nil {
		return nil, err
	}

	if err := o.prover.Acquire(ctx, 1); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "waiting for prover")
	}
	defer o.prover.Release(1)

	started := time.Now()
	proof, err := o.prove(ctx, inputs)
	elapsed := time.Since(started)
	switch {
	case err == nil:
		o.observer.ObserveProof("ok", elapsed)
	case proofs.IsConstraintViolation(err):
		o.observer.ObserveProof("constraint", elapsed)
		o.logger.Info("见证执行失败，策略约束不满足",
			slog.String("user", strings.ToLower(userAddress)),
			slog.String("installation_id", installationID),
			slog.Any("error", err))
		return nil, err
	default:
		o.observer.ObserveProof("error", elapsed)
		o.logger.Error("证明生成失败", slog.String("backend", o.backend.Name()), slog.Any("error", err))
		return nil, err
	}

	logger.AuditEvent("enclave.prover", "proof_generated",
		slog.String("user", strings.ToLower(userAddress)),
		slog.String("installation_id", installationID),
		slog.String("nullifier", proofs.FieldHex(proof.PublicInputs.Nullifier)),
		slog.Duration("elapsed", elapsed))
	return proof, nil
}

func (o *Orchestrator) prove(ctx context.Context, inputs *proofs.CircuitInputs) (*proofs.Proof, error) {
	// (2) 执行约束程序，失败即为策略违规
	witness, err := o.backend.Execute(ctx, inputs)
	if err != nil {
		return nil, classify(err)
	}
	// (3) 压缩见证
	proof, err := o.backend.Prove(ctx, witness, proofs.ProveOptions{Keccak: true})
	if err != nil {
		return nil, classify(err)
	}
	if !proof.PublicInputs.PolicySatisfied {
		return nil, proofs.ConstraintError("backend reported policy_satisfied=0")
	}
	if proof.PublicInputs.Nullifier == nil || proof.PublicInputs.Nullifier.Cmp(inputs.Nullifier) != 0 {
		return nil, proofs.BackendError(fmt.Errorf("nullifier mismatch"), "backend public inputs do not match witness")
	}
	// (4)
	return proof, nil
}

func classify(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return proofs.BackendError(err, "proving backend failure")
}

// ProofHashes 以 bytes32 形式返回公开输出，供链上验证器调用。
func ProofHashes(p *proofs.Proof) (nullifier, userAddressHash common.Hash) {
	return proofs.ToHash(p.PublicInputs.Nullifier), proofs.ToHash(p.PublicInputs.UserAddressHash)
}
