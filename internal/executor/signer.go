package executor

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ZKGuard-Chain/internal/enclave"
	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// SignInput 是签名边界的输入。Policies 只供本地签名器使用，
// enclave 签名器以 enclave 中存储的策略为准。
type SignInput struct {
	UserOpHash common.Hash
	Evaluation enclave.EvaluationInput
	Policies   []policy.Policy
}

// Signer 是签名边界。Account 返回签名者代表的智能账户；
// Sign 返回 Allowed=false 时不得广播。
type Signer interface {
	Account() common.Address
	Sign(ctx context.Context, in SignInput) (enclave.SignResult, error)
}

// LocalSigner 用本地私钥签名，仅用于开发环境。配置了 engine 时同样在签名前复核策略。
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	account common.Address
	engine  *policy.Engine
	now     func() time.Time
}

// NewLocalSigner 创建本地签名器。
func NewLocalSigner(keyHex string, account common.Address, engine *policy.Engine) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(trimHex(keyHex))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid local signing key")
	}
	return &LocalSigner{key: key, account: account, engine: engine, now: time.Now}, nil
}

// Account 实现 Signer。
func (s *LocalSigner) Account() common.Address { return s.account }

// Sign 实现 Signer。
func (s *LocalSigner) Sign(ctx context.Context, in SignInput) (enclave.SignResult, error) {
	if s.engine != nil {
		ev := in.Evaluation
		result := s.engine.Evaluate(ctx, policy.Context{
			UserAddress:       ev.UserAddress,
			AdapterID:         ev.AdapterID,
			Transaction:       ev.Transaction,
			Signals:           ev.Signals,
			Timestamp:         s.now().UTC(),
			LastExecutionTime: ev.LastExecutionTime,
		}, in.Policies)
		if !result.Allowed {
			return enclave.SignResult{Allowed: false, Reason: result.BlockingReason, BlockingPolicy: result.BlockingPolicy}, nil
		}
	}
	sig, err := enclave.SignPersonal(s.key, in.UserOpHash)
	if err != nil {
		return enclave.SignResult{}, err
	}
	return enclave.SignResult{Allowed: true, Signature: sig, Signer: crypto.PubkeyToAddress(s.key.PublicKey)}, nil
}

// SignClient 是 enclave 签名协议的客户端能力。
type SignClient interface {
	SignUserOperation(ctx context.Context, req enclave.SignRequest) (enclave.SignResult, error)
}

// EnclaveSigner 通过 enclave 协议签名，enclave 用自己存储的策略独立复核。
type EnclaveSigner struct {
	client           SignClient
	sessionAccountID string
	account          common.Address
}

// NewEnclaveSigner 创建 enclave 签名器。
func NewEnclaveSigner(client SignClient, sessionAccountID string, account common.Address) *EnclaveSigner {
	return &EnclaveSigner{client: client, sessionAccountID: sessionAccountID, account: account}
}

// Account 实现 Signer。
func (s *EnclaveSigner) Account() common.Address { return s.account }

// Sign 实现 Signer。
func (s *EnclaveSigner) Sign(ctx context.Context, in SignInput) (enclave.SignResult, error) {
	return s.client.SignUserOperation(ctx, enclave.SignRequest{
		SessionAccountID: s.sessionAccountID,
		UserOpHash:       in.UserOpHash,
		Evaluation:       in.Evaluation,
	})
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
