package verifier

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "ZKGuard-Chain/internal/errors"
)

// BoundaryABI is the interface of the deployed policy verifier contract.
const BoundaryABI = `[
	{"type":"function","name":"verifyAndExecute","stateMutability":"payable",
	 "inputs":[
		{"name":"proof","type":"bytes"},
		{"name":"nullifier","type":"bytes32"},
		{"name":"userAddressHash","type":"bytes32"},
		{"name":"target","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"usedNullifiers","stateMutability":"view",
	 "inputs":[{"name":"nullifier","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"error","name":"NullifierAlreadyUsed","inputs":[]},
	{"type":"error","name":"InvalidProof","inputs":[]},
	{"type":"error","name":"CallFailed","inputs":[{"name":"reason","type":"bytes"}]}
]`

var boundaryABI = mustParseABI(BoundaryABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("verifier: parse abi: %v", err))
	}
	return parsed
}

// EncodeVerifyAndExecute packs the calldata for verifyAndExecute.
func EncodeVerifyAndExecute(call Call) ([]byte, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	data := call.Data
	if data == nil {
		data = []byte{}
	}
	packed, err := boundaryABI.Pack("verifyAndExecute",
		call.Proof,
		[32]byte(call.Nullifier),
		[32]byte(call.UserAddressHash),
		call.Target,
		value,
		data,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode verifyAndExecute")
	}
	return packed, nil
}

// EncodeUsedNullifiers packs the calldata for usedNullifiers.
func EncodeUsedNullifiers(nullifier [32]byte) ([]byte, error) {
	return boundaryABI.Pack("usedNullifiers", nullifier)
}

// DecodeRevert maps revert data from the verifier to the error taxonomy.
func DecodeRevert(data []byte) error {
	if len(data) < 4 {
		return xerrors.New(xerrors.CodeCallReverted, "execution reverted")
	}
	for name, def := range boundaryABI.Errors {
		if !bytes.Equal(data[:4], def.ID[:4]) {
			continue
		}
		switch name {
		case "NullifierAlreadyUsed":
			return xerrors.New(xerrors.CodeNullifierUsed, "nullifier already used")
		case "InvalidProof":
			return xerrors.New(xerrors.CodeProofInvalid, "invalid proof")
		case "CallFailed":
			reason := "call failed"
			if values, err := def.Unpack(data); err == nil {
				if fields, ok := values.([]interface{}); ok && len(fields) == 1 {
					if inner, ok := fields[0].([]byte); ok {
						reason = fmt.Sprintf("call failed: %s", innerReason(inner))
					}
				}
			}
			return xerrors.New(xerrors.CodeCallReverted, reason)
		}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return xerrors.New(xerrors.CodeCallReverted, reason)
	}
	return xerrors.New(xerrors.CodeCallReverted, "execution reverted",
		xerrors.WithMetadata("data", hexutil.Encode(data)))
}

func innerReason(data []byte) string {
	if len(data) == 0 {
		return "empty revert"
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return hexutil.Encode(data)
}

// IsBoundaryRejection reports whether err is one of the verifier's rejections.
func IsBoundaryRejection(err error) bool {
	var target *xerrors.Error
	if !errors.As(err, &target) {
		return false
	}
	switch target.Code() {
	case xerrors.CodeNullifierUsed, xerrors.CodeProofInvalid, xerrors.CodeCallReverted:
		return true
	}
	return false
}
