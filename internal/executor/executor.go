package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"ZKGuard-Chain/internal/adapter"
	"ZKGuard-Chain/internal/enclave"
	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/observability/alerting"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/policy/rules"
	"ZKGuard-Chain/internal/proofs"
	"ZKGuard-Chain/internal/storage"
	"ZKGuard-Chain/internal/userop"
	"ZKGuard-Chain/internal/verifier"
	web3eth "ZKGuard-Chain/internal/web3/ethereum"
	"ZKGuard-Chain/pkg/logger"
)

// ParamSmartAccount 是请求参数中覆盖发送方智能账户的键，不会合并进适配器配置。
const ParamSmartAccount = "smartAccount"

// proofBlockingPolicy 标记被电路约束拦截的执行。
const proofBlockingPolicy = "proof-constraints"

// boundaryBlockingPolicy 标记被验证边界拒绝的执行（nullifier 已用或证明无效）。
const boundaryBlockingPolicy = "verifier-boundary"

// 估算 gas 时使用的占位签名，长度与真实签名一致。
var dummySignature = append(bytes.Repeat([]byte{0xff}, 64), 0x1c)

// Records 是执行器依赖的记录存储能力。
type Records interface {
	GetInstallation(ctx context.Context, id string) (*storage.Installation, error)
	GetPolicies(ctx context.Context, userAddress, installationID string) (*storage.PolicyRecord, error)
	LastSuccessfulExecution(ctx context.Context, userAddress, installationID string) (time.Time, bool, error)
	AppendExecution(ctx context.Context, log *storage.ExecutionLog) error
}

// Dependencies 是执行器必需的协作方。
type Dependencies struct {
	Records  Records
	Proposer Proposer
	Engine   *policy.Engine
	Signals  SignalSource
	Chain    Chain
	Bundler  Bundler
	Signer   Signer
}

// Executor 按生命周期推进单次执行。一次执行内部不做并发扇出。
type Executor struct {
	cfg      Config
	deps     Dependencies
	sponsor  Sponsor
	prover   Prover
	boundary verifier.Boundary
	alerter  alerting.Dispatcher
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option 定义可选配置。
type Option func(*Executor)

// WithSponsor 配置 paymaster，未配置时由智能账户自付 gas。
func WithSponsor(s Sponsor) Option {
	return func(e *Executor) { e.sponsor = s }
}

// WithProver 配置证明生成方。仅当 Config.VerifierAddress 非零时才会生成证明。
func WithProver(p Prover) Option {
	return func(e *Executor) { e.prover = p }
}

// WithBoundaryCheck 在提交前把带证明的调用交给验证边界预检。
// 未配置链上验证器时，预检通过后直接提交原始调用。
func WithBoundaryCheck(b verifier.Boundary) Option {
	return func(e *Executor) { e.boundary = b }
}

// WithAlerter 配置告警派发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerter = d }
}

// WithObserver 配置指标观察者。
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New 构造执行器。
func New(cfg Config, deps Dependencies, opts ...Option) (*Executor, error) {
	switch {
	case deps.Records == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "executor requires a record store")
	case deps.Proposer == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "executor requires a proposer")
	case deps.Engine == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "executor requires a policy engine")
	case deps.Signals == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "executor requires a signal source")
	case deps.Chain == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "executor requires a chain client")
	case deps.Bundler == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "executor requires a bundler")
	case deps.Signer == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "executor requires a signer")
	}
	e := &Executor{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		observer: noopObserver{},
		logger:   logger.Named("executor"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

type run struct {
	req          Request
	user         common.Address
	installation *storage.Installation
	outcome      *Outcome
}

func (r *run) enter(s State) {
	r.outcome.State = s
	r.outcome.Trail = append(r.outcome.Trail, s)
}

// Execute 执行一次完整的生命周期。领域内的拒绝与失败以 Outcome 返回；
// 只有请求本身无法处理（安装不存在、存储故障）时返回 error。
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if !common.IsHexAddress(req.UserAddress) {
		return nil, xerrors.Validation("userAddress", fmt.Sprintf("invalid user address %q", req.UserAddress))
	}
	inst, err := e.deps.Records.GetInstallation(ctx, req.InstallationID)
	if err != nil {
		return nil, err
	}
	if storage.NormalizeAddress(inst.UserAddress) != storage.NormalizeAddress(req.UserAddress) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("installation %s not found for user", req.InstallationID))
	}

	id := strings.TrimSpace(req.ExecutionID)
	if id == "" {
		id = e.newID()
	}
	r := &run{
		req:          req,
		user:         common.HexToAddress(req.UserAddress),
		installation: inst,
		outcome:      &Outcome{ExecutionID: id, Trail: make([]State, 0, 8)},
	}
	if !inst.Enabled {
		return e.fail(ctx, r, xerrors.New(xerrors.CodeInvalidArgument, "installation disabled"))
	}

	policies, err := e.loadPolicies(ctx, req)
	if err != nil {
		return nil, err
	}
	var lastExecution *time.Time
	if last, ok, err := e.deps.Records.LastSuccessfulExecution(ctx, req.UserAddress, req.InstallationID); err != nil {
		return nil, err
	} else if ok {
		lastExecution = &last
	}

	cfg, err := mergeParams(inst.Config, req.Params)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	account, err := e.smartAccount(req.Params)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	ts := e.now().UTC()

	// DRAFTED
	intent, err := e.deps.Proposer.Propose(ctx, inst.AdapterID, adapter.ProposalContext{
		UserAddress:       r.user,
		SmartAccount:      account,
		InstallationID:    inst.ID,
		Config:            cfg,
		Now:               ts,
		LastExecutionTime: lastExecution,
	})
	r.enter(StateDrafted)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	if intent == nil {
		return e.allow(ctx, r, ReasonNoTransaction)
	}

	// 预检
	sigs := e.deps.Signals.Collect(ctx)
	evaluation := e.deps.Engine.Evaluate(ctx, policy.Context{
		UserAddress:       r.user,
		AdapterID:         inst.AdapterID,
		Transaction:       intent,
		Signals:           sigs,
		Timestamp:         ts,
		LastExecutionTime: lastExecution,
	}, policies)
	r.outcome.Evaluation = &evaluation
	if !evaluation.Allowed {
		if n := len(evaluation.Decisions); n > 0 && evaluation.Decisions[n-1].PolicyType == rules.TypeSecurityPause {
			e.alert(ctx, r, xerrors.CodePolicyViolation, "security pause blocked execution: "+evaluation.BlockingReason)
		}
		return e.block(ctx, r, evaluation.BlockingPolicy, evaluation.BlockingReason)
	}

	calls, err := e.buildCalls(ctx, r, intent, ts)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeProofConstraint) {
			return e.block(ctx, r, proofBlockingPolicy, messageOf(err))
		}
		if xerrors.HasCode(err, xerrors.CodeNullifierUsed) || xerrors.HasCode(err, xerrors.CodeProofInvalid) {
			return e.block(ctx, r, boundaryBlockingPolicy, messageOf(err))
		}
		if xerrors.HasCode(err, xerrors.CodeProofBackend) {
			e.alert(ctx, r, xerrors.CodeProofBackend, messageOf(err))
		}
		return e.fail(ctx, r, err)
	}

	// PREPARED
	if signer := e.deps.Signer.Account(); signer != account {
		return e.fail(ctx, r, xerrors.New(xerrors.CodeAccountMismatch,
			fmt.Sprintf("signer account %s does not match sender %s", signer.Hex(), account.Hex())))
	}
	op, err := e.prepare(ctx, account, calls)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	r.enter(StatePrepared)

	// SPONSORED
	if e.sponsor != nil {
		sponsorship, err := e.sponsor.SponsorUserOperation(ctx, op, e.cfg.EntryPoint, map[string]any{
			"installationId": inst.ID,
			"userAddress":    r.user.Hex(),
		})
		if err != nil {
			return e.fail(ctx, r, submissionError(err, "paymaster sponsorship failed"))
		}
		sponsorship.Apply(op)
	}
	r.enter(StateSponsored)

	// SIGNED
	hash, err := op.Hash(e.cfg.EntryPoint, e.cfg.ChainID)
	if err != nil {
		return e.fail(ctx, r, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "hash user operation"))
	}
	// 复核使用签名前重新采集的信号，不复用预检快照
	signed, err := e.deps.Signer.Sign(ctx, SignInput{
		UserOpHash: hash,
		Evaluation: enclave.EvaluationInput{
			UserAddress:       r.user,
			InstallationID:    inst.ID,
			AdapterID:         inst.AdapterID,
			Transaction:       intent,
			Signals:           e.deps.Signals.Collect(ctx),
			LastExecutionTime: lastExecution,
		},
		Policies: policies,
	})
	if err != nil {
		return e.fail(ctx, r, err)
	}
	if !signed.Allowed {
		return e.block(ctx, r, signed.BlockingPolicy, signed.Reason)
	}
	op.Signature = append([]byte(nil), signed.Signature...)
	r.enter(StateSigned)

	// SUBMITTED
	userOpHash, err := e.deps.Bundler.SendUserOperation(ctx, op, e.cfg.EntryPoint)
	if err != nil {
		return e.fail(ctx, r, submissionError(err, "bundler rejected user operation"))
	}
	r.enter(StateSubmitted)
	r.outcome.UserOpHash = userOpHash.Hex()

	receipt, attempts, pollErr := pollReceipt(ctx, e.deps.Bundler, userOpHash, e.cfg.PollInterval, e.cfg.PollAttempts, e.logger)
	if receipt == nil {
		r.enter(StateTimedOut)
		e.logger.Warn("回执轮询结束仍未上链",
			slog.String("user_op_hash", r.outcome.UserOpHash),
			slog.Int("attempts", attempts),
			slog.Any("cause", pollErr))
		e.alert(ctx, r, xerrors.CodeReceiptTimeout, ReasonReceiptNotFound)
		return e.finish(ctx, r, DecisionError, ReasonReceiptNotFound, xerrors.CodeReceiptTimeout)
	}
	r.outcome.TxHash = receipt.TxHash().Hex()
	if !receipt.Success {
		r.enter(StateRejected)
		reason := "user operation reverted"
		if receipt.Reason != "" {
			reason += ": " + receipt.Reason
		}
		return e.finish(ctx, r, DecisionError, reason, xerrors.CodeCallReverted)
	}
	r.enter(StateConfirmed)
	return e.finish(ctx, r, DecisionAllow, "", "")
}

func (e *Executor) loadPolicies(ctx context.Context, req Request) ([]policy.Policy, error) {
	record, err := e.deps.Records.GetPolicies(ctx, req.UserAddress, req.InstallationID)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return record.Policies, nil
}

func (e *Executor) smartAccount(params map[string]any) (common.Address, error) {
	if raw, ok := params[ParamSmartAccount]; ok {
		s, _ := raw.(string)
		if !common.IsHexAddress(s) {
			return common.Address{}, xerrors.Validation("params.smartAccount", fmt.Sprintf("invalid smart account %v", raw))
		}
		return common.HexToAddress(s), nil
	}
	if e.cfg.DefaultSmartAccount != (common.Address{}) {
		return e.cfg.DefaultSmartAccount, nil
	}
	return e.deps.Signer.Account(), nil
}

// buildCalls 返回智能账户要执行的调用。配置了验证器时，原始调用被包装为
// verifyAndExecute，附带 enclave 生成的证明；只配置了边界预检时证明仅用于预检。
func (e *Executor) buildCalls(ctx context.Context, r *run, intent *policy.TransactionIntent, ts time.Time) ([]userop.Call, error) {
	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}
	direct := []userop.Call{{Target: intent.Target, Value: value, Data: intent.CallData}}
	onChain := e.cfg.VerifierAddress != (common.Address{})
	if e.prover == nil || (!onChain && e.boundary == nil) {
		return direct, nil
	}

	amount := intent.Amount()
	if amount == nil {
		amount = new(big.Int)
	}
	recipient, _ := intent.RecipientAddress()
	proof, err := e.prover.GenerateProof(ctx, r.user.Hex(), r.installation.ID, proofs.Request{
		Amount:      amount.String(),
		Recipient:   recipient.Hex(),
		Timestamp:   ts.Unix(),
		UserAddress: r.user.Hex(),
	})
	if err != nil {
		return nil, err
	}
	call := verifier.CallFromProof(proof, intent.Target, value, intent.CallData)
	if e.boundary != nil {
		ok, err := e.boundary.VerifyAndExecute(ctx, call)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, xerrors.New(xerrors.CodeProofInvalid, "verifier boundary rejected the proof")
		}
	}
	if !onChain {
		return direct, nil
	}
	data, err := verifier.EncodeVerifyAndExecute(call)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "encode verifyAndExecute")
	}
	logger.AuditEvent("executor", "proof_attached",
		slog.String("execution_id", r.outcome.ExecutionID),
		slog.String("nullifier", call.Nullifier.Hex()))
	return []userop.Call{{Target: e.cfg.VerifierAddress, Value: value, Data: data}}, nil
}

func (e *Executor) prepare(ctx context.Context, sender common.Address, calls []userop.Call) (*userop.UserOperation, error) {
	callData, err := userop.EncodeCalls(calls)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "encode account calldata")
	}
	nonce, err := web3eth.EntryPointNonce(ctx, e.deps.Chain, e.cfg.EntryPoint, sender, big.NewInt(0))
	if err != nil {
		return nil, submissionError(err, "fetch entry point nonce")
	}
	gasPrice, err := e.deps.Chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, submissionError(err, "fetch gas price")
	}
	op := &userop.UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		CallData:             callData,
		MaxFeePerGas:         new(big.Int).Set(gasPrice),
		MaxPriorityFeePerGas: new(big.Int).Set(gasPrice),
		Signature:            dummySignature,
	}
	estimate, err := e.deps.Bundler.EstimateUserOperationGas(ctx, op, e.cfg.EntryPoint)
	if err != nil {
		return nil, submissionError(err, "estimate user operation gas")
	}
	estimate.Apply(op)
	return op, nil
}

func (e *Executor) allow(ctx context.Context, r *run, reason string) (*Outcome, error) {
	return e.finish(ctx, r, DecisionAllow, reason, "")
}

func (e *Executor) block(ctx context.Context, r *run, blockingPolicy, reason string) (*Outcome, error) {
	r.outcome.BlockingPolicy = blockingPolicy
	return e.finish(ctx, r, DecisionBlock, reason, xerrors.CodePolicyViolation)
}

func (e *Executor) fail(ctx context.Context, r *run, err error) (*Outcome, error) {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeExecutorFailure
	}
	if code == xerrors.CodeAccountMismatch {
		e.alert(ctx, r, code, messageOf(err))
	}
	return e.finish(ctx, r, DecisionError, messageOf(err), code)
}

// finish 写入执行日志、审计并上报指标。取消的上下文不会阻止日志落库。
func (e *Executor) finish(ctx context.Context, r *run, decision Decision, reason string, code xerrors.Code) (*Outcome, error) {
	out := r.outcome
	out.Decision = decision
	out.Reason = reason
	out.Code = code

	trail := make([]string, len(out.Trail))
	for i, s := range out.Trail {
		trail[i] = string(s)
	}
	entry := &storage.ExecutionLog{
		ID:             out.ExecutionID,
		JobID:          r.req.JobID,
		UserAddress:    r.req.UserAddress,
		InstallationID: r.installation.ID,
		AdapterID:      r.installation.AdapterID,
		Decision:       string(decision),
		Reason:         reason,
		BlockingPolicy: out.BlockingPolicy,
		ErrorCode:      string(code),
		State:          string(out.State),
		TxHash:         out.TxHash,
		UserOpHash:     out.UserOpHash,
		Trail:          trail,
		Succeeded:      out.Succeeded(),
		CreatedAt:      e.now().Unix(),
	}

	logger.AuditEvent("executor", "execution_finished",
		slog.String("execution_id", out.ExecutionID),
		slog.String("user_address", r.req.UserAddress),
		slog.String("installation_id", r.installation.ID),
		slog.String("decision", string(decision)),
		slog.String("state", string(out.State)),
		slog.String("reason", reason),
		slog.String("blocking_policy", out.BlockingPolicy),
		slog.String("user_op_hash", out.UserOpHash),
		slog.String("tx_hash", out.TxHash))
	e.observer.ObserveExecution(string(decision), string(out.State))

	if err := e.deps.Records.AppendExecution(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("写入执行日志失败", slog.String("execution_id", out.ExecutionID), slog.Any("error", err))
		return out, err
	}
	return out, nil
}

func (e *Executor) alert(ctx context.Context, r *run, code xerrors.Code, message string) {
	if e.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    xerrors.AttributesOf(code).Severity,
		ExecutionID: r.outcome.ExecutionID,
		UserOpHash:  r.outcome.UserOpHash,
		Metadata: map[string]string{
			"installation_id": r.installation.ID,
			"user_address":    r.req.UserAddress,
			"state":           string(r.outcome.State),
		},
		OccurredAt: e.now().UTC(),
	}
	if err := e.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("告警通知失败", slog.String("execution_id", r.outcome.ExecutionID), slog.Any("error", err))
	}
}

// mergeParams 将运行时参数覆盖到安装配置上。
func mergeParams(cfg json.RawMessage, params map[string]any) (json.RawMessage, error) {
	overrides := 0
	for k := range params {
		if k != ParamSmartAccount {
			overrides++
		}
	}
	if overrides == 0 {
		return cfg, nil
	}
	merged := map[string]any{}
	if len(bytes.TrimSpace(cfg)) > 0 {
		if err := json.Unmarshal(cfg, &merged); err != nil {
			return nil, xerrors.Validation("config", "installation config must be a JSON object to accept runtime params")
		}
	}
	for k, v := range params {
		if k == ParamSmartAccount {
			continue
		}
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, xerrors.Validation("params", err.Error())
	}
	return out, nil
}

func submissionError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeSubmission, err, message)
}

func messageOf(err error) string {
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		return e.Message()
	}
	return err.Error()
}
