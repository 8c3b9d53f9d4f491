package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	tAddress, _ = abi.NewType("address", "", nil)
	tUint256, _ = abi.NewType("uint256", "", nil)
	tBytes32, _ = abi.NewType("bytes32", "", nil)

	packedArgs = abi.Arguments{
		{Type: tAddress}, {Type: tUint256}, {Type: tBytes32}, {Type: tBytes32},
		{Type: tUint256}, {Type: tUint256}, {Type: tUint256}, {Type: tUint256}, {Type: tUint256},
		{Type: tBytes32},
	}
	hashArgs = abi.Arguments{{Type: tBytes32}, {Type: tAddress}, {Type: tUint256}}
)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Hash computes the v0.6 user operation hash: keccak256(abi.encode(
// keccak256(pack(op)), entryPoint, chainID)). The signature is excluded.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packedArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		[32]byte(crypto.Keccak256Hash(op.InitCode)),
		[32]byte(crypto.Keccak256Hash(op.CallData)),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		[32]byte(crypto.Keccak256Hash(op.PaymasterAndData)),
	)
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := hashArgs.Pack([32]byte(crypto.Keccak256Hash(packed)), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}
