package proofs

import (
	"context"
	"fmt"
	"math/big"

	xerrors "ZKGuard-Chain/internal/errors"
)

// PublicInputs 是证明的公开输出。
type PublicInputs struct {
	PolicySatisfied bool
	Nullifier       *big.Int
	UserAddressHash *big.Int
}

// Witness 是电路执行后的见证，对调用方不透明。
type Witness struct {
	Inputs *CircuitInputs
	Data   []byte
}

// Proof 是压缩后的证明与公开输出。
type Proof struct {
	Data         []byte
	PublicInputs PublicInputs
}

// ProveOptions 控制证明生成。Keccak 为 true 时使用 EVM 友好的 keccak 转录。
type ProveOptions struct {
	Keccak bool
}

// Backend 是证明后端的能力：先执行约束程序得到见证，再压缩为证明。
// Execute 在任何已启用的约束不满足时返回 PROOF_CONSTRAINT_VIOLATION。
type Backend interface {
	Name() string
	Execute(ctx context.Context, inputs *CircuitInputs) (*Witness, error)
	Prove(ctx context.Context, witness *Witness, opts ProveOptions) (*Proof, error)
}

// ConstraintError 表示见证执行失败，即策略约束不满足。
func ConstraintError(format string, args ...any) error {
	return xerrors.New(xerrors.CodeProofConstraint, fmt.Sprintf(format, args...))
}

// BackendError 表示证明后端不可用或输出格式错误。
func BackendError(cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeProofBackend, cause, message)
}

// IsConstraintViolation 判断错误是否来自约束不满足。
func IsConstraintViolation(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeProofConstraint)
}
