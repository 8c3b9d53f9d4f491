package enclave

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/pkg/logger"
)

// EvaluationInput 是签名前重新评估策略所需的上下文。策略集合取自 enclave 自己的
// PolicyStore（按 userAddress 与 installationId），时间戳由 enclave 自己的时钟决定。
type EvaluationInput struct {
	UserAddress       common.Address            `json:"userAddress"`
	InstallationID    string                    `json:"installationId"`
	AdapterID         string                    `json:"adapterId"`
	Transaction       *policy.TransactionIntent `json:"transaction,omitempty"`
	Signals           policy.Signals            `json:"signals"`
	LastExecutionTime *time.Time                `json:"lastExecutionTime,omitempty"`
}

// SignRequest 请求 enclave 为 user operation 签名。
type SignRequest struct {
	SessionAccountID string          `json:"sessionAccountId"`
	UserOpHash       common.Hash     `json:"userOpHash"`
	Evaluation       EvaluationInput `json:"evaluation"`
}

// SignResult 是签名边界的结果。Allowed 为 false 时没有签名。
type SignResult struct {
	Allowed        bool           `json:"allowed"`
	Reason         string         `json:"reason,omitempty"`
	BlockingPolicy string         `json:"blockingPolicy,omitempty"`
	Signature      hexutil.Bytes  `json:"signature,omitempty"`
	Signer         common.Address `json:"signer,omitempty"`
}

// Signer 在签名前独立地重新执行策略评估。
type Signer struct {
	keys   *SessionKeyStore
	store  PolicyStore
	engine *policy.Engine
	now    func() time.Time
	logger *slog.Logger
}

// NewSigner 创建签名边界，复核使用 store 中由 STORE_POLICY_CONFIG 写入的策略。
func NewSigner(keys *SessionKeyStore, store PolicyStore, engine *policy.Engine) *Signer {
	return &Signer{keys: keys, store: store, engine: engine, now: time.Now, logger: logger.Named("enclave.signer")}
}

// SignUserOperation 先按存储的策略评估，通过后才用会话密钥签名。
// 没有对应的策略配置时返回 NOT_FOUND，不会签名。
func (s *Signer) SignUserOperation(ctx context.Context, req SignRequest) (SignResult, error) {
	in := req.Evaluation
	if in.InstallationID == "" || in.UserAddress == (common.Address{}) {
		return SignResult{}, xerrors.New(xerrors.CodeInvalidArgument, "evaluation.userAddress and evaluation.installationId are required")
	}
	stored, ok, err := s.store.Get(ctx, in.UserAddress.Hex(), in.InstallationID)
	if err != nil {
		return SignResult{}, err
	}
	if !ok {
		return SignResult{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no policy configuration for %s", StoreKey(in.UserAddress.Hex(), in.InstallationID)))
	}
	policies, err := stored.Policies()
	if err != nil {
		return SignResult{}, xerrors.Wrap(xerrors.CodeValidation, err, "stored policy configuration is malformed")
	}
	pctx := policy.Context{
		UserAddress:       in.UserAddress,
		AdapterID:         in.AdapterID,
		Transaction:       in.Transaction,
		Signals:           in.Signals,
		Timestamp:         s.now().UTC(),
		LastExecutionTime: in.LastExecutionTime,
	}
	result := s.engine.Evaluate(ctx, pctx, policies)
	if !result.Allowed {
		s.logger.Warn("签名前策略复核未通过",
			slog.String("session_account_id", req.SessionAccountID),
			slog.String("blocking_policy", result.BlockingPolicy),
			slog.String("reason", result.BlockingReason))
		logger.AuditEvent("enclave.signer", "sign_refused",
			slog.String("session_account_id", req.SessionAccountID),
			slog.String("user_op_hash", req.UserOpHash.Hex()),
			slog.String("blocking_policy", result.BlockingPolicy))
		return SignResult{Allowed: false, Reason: result.BlockingReason, BlockingPolicy: result.BlockingPolicy}, nil
	}

	sig, info, err := s.keys.sign(req.SessionAccountID, req.UserOpHash)
	if err != nil {
		return SignResult{}, err
	}
	logger.AuditEvent("enclave.signer", "user_operation_signed",
		slog.String("session_account_id", req.SessionAccountID),
		slog.String("user_op_hash", req.UserOpHash.Hex()))
	return SignResult{Allowed: true, Signature: sig, Signer: info.SignerAddress}, nil
}
