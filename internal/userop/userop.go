// Package userop models ERC-4337 (entry point v0.6) user operations: their
// RPC encoding, their hash, and the smart-account calldata they carry.
package userop

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is a v0.6 user operation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

type rpcUserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func bigOrZero(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

func fromHex(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

func bytesOrEmpty(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return hexutil.Bytes(b)
}

// MarshalJSON encodes the operation the way bundlers expect: quantities as
// 0x hex, byte fields as 0x hex (never null).
func (op UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                bigOrZero(op.Nonce),
		InitCode:             bytesOrEmpty(op.InitCode),
		CallData:             bytesOrEmpty(op.CallData),
		CallGasLimit:         bigOrZero(op.CallGasLimit),
		VerificationGasLimit: bigOrZero(op.VerificationGasLimit),
		PreVerificationGas:   bigOrZero(op.PreVerificationGas),
		MaxFeePerGas:         bigOrZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrZero(op.MaxPriorityFeePerGas),
		PaymasterAndData:     bytesOrEmpty(op.PaymasterAndData),
		Signature:            bytesOrEmpty(op.Signature),
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw rpcUserOperation
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:               raw.Sender,
		Nonce:                fromHex(raw.Nonce),
		InitCode:             raw.InitCode,
		CallData:             raw.CallData,
		CallGasLimit:         fromHex(raw.CallGasLimit),
		VerificationGasLimit: fromHex(raw.VerificationGasLimit),
		PreVerificationGas:   fromHex(raw.PreVerificationGas),
		MaxFeePerGas:         fromHex(raw.MaxFeePerGas),
		MaxPriorityFeePerGas: fromHex(raw.MaxPriorityFeePerGas),
		PaymasterAndData:     raw.PaymasterAndData,
		Signature:            raw.Signature,
	}
	return nil
}

// Clone returns a deep copy.
func (op *UserOperation) Clone() *UserOperation {
	cp := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	}
	dup := func(b []byte) []byte {
		if b == nil {
			return nil
		}
		return append([]byte(nil), b...)
	}
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                cp(op.Nonce),
		InitCode:             dup(op.InitCode),
		CallData:             dup(op.CallData),
		CallGasLimit:         cp(op.CallGasLimit),
		VerificationGasLimit: cp(op.VerificationGasLimit),
		PreVerificationGas:   cp(op.PreVerificationGas),
		MaxFeePerGas:         cp(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cp(op.MaxPriorityFeePerGas),
		PaymasterAndData:     dup(op.PaymasterAndData),
		Signature:            dup(op.Signature),
	}
}

// GasEstimate is the result of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// Apply copies the estimate onto op.
func (g GasEstimate) Apply(op *UserOperation) {
	if g.PreVerificationGas != nil {
		op.PreVerificationGas = fromHex(g.PreVerificationGas)
	}
	if g.VerificationGasLimit != nil {
		op.VerificationGasLimit = fromHex(g.VerificationGasLimit)
	}
	if g.CallGasLimit != nil {
		op.CallGasLimit = fromHex(g.CallGasLimit)
	}
}

// Receipt is the result of eth_getUserOperationReceipt.
type Receipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

// TxHash returns the hash of the bundle transaction that included the operation.
func (r *Receipt) TxHash() common.Hash {
	return r.Receipt.TransactionHash
}
