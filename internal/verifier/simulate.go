package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	xerrors "ZKGuard-Chain/internal/errors"
)

// Simulator dry-runs verifyAndExecute against a deployed verifier with
// eth_call. It never changes chain state.
type Simulator struct {
	caller   ethereum.ContractCaller
	contract common.Address
	from     common.Address
}

// NewSimulator binds a simulator to the verifier at contract. from is the
// account the call is simulated from, normally the smart account.
func NewSimulator(caller ethereum.ContractCaller, contract, from common.Address) *Simulator {
	return &Simulator{caller: caller, contract: contract, from: from}
}

func (s *Simulator) VerifyAndExecute(ctx context.Context, call Call) (bool, error) {
	data, err := EncodeVerifyAndExecute(call)
	if err != nil {
		return false, err
	}
	to := s.contract
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &to,
		Value: call.Value,
		Data:  data,
	}, nil)
	if err != nil {
		if revert, ok := revertData(err); ok {
			return false, DecodeRevert(revert)
		}
		return false, xerrors.Wrap(xerrors.CodeSubmission, err, "simulate verifyAndExecute")
	}
	values, err := boundaryABI.Unpack("verifyAndExecute", out)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeSubmission, err, "decode verifyAndExecute result")
	}
	if len(values) != 1 {
		return false, xerrors.New(xerrors.CodeSubmission, fmt.Sprintf("unexpected result arity %d", len(values)))
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

// NullifierUsed asks the deployed verifier whether a nullifier was spent.
func (s *Simulator) NullifierUsed(ctx context.Context, nullifier common.Hash) (bool, error) {
	data, err := EncodeUsedNullifiers(nullifier)
	if err != nil {
		return false, err
	}
	to := s.contract
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeSubmission, err, "query usedNullifiers")
	}
	values, err := boundaryABI.Unpack("usedNullifiers", out)
	if err != nil || len(values) != 1 {
		return false, xerrors.New(xerrors.CodeSubmission, "decode usedNullifiers result")
	}
	used, _ := values[0].(bool)
	return used, nil
}

func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch v := de.ErrorData().(type) {
	case string:
		data, derr := hexutil.Decode(v)
		return data, derr == nil
	case []byte:
		return v, true
	}
	return nil, false
}
