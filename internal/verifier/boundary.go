package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/proofs"
	"ZKGuard-Chain/pkg/logger"
)

// Call is one presentation of a proof together with the call it authorises.
type Call struct {
	Proof           []byte
	Nullifier       common.Hash
	UserAddressHash common.Hash
	Target          common.Address
	Value           *big.Int
	Data            []byte
}

// Boundary consumes a proof and, when it verifies, performs the wrapped call.
type Boundary interface {
	VerifyAndExecute(ctx context.Context, call Call) (bool, error)
}

// CallSink performs the wrapped call after the proof has been accepted.
type CallSink interface {
	Call(ctx context.Context, target common.Address, value *big.Int, data []byte) ([]byte, error)
}

// CallSinkFunc adapts a function to CallSink.
type CallSinkFunc func(ctx context.Context, target common.Address, value *big.Int, data []byte) ([]byte, error)

func (f CallSinkFunc) Call(ctx context.Context, target common.Address, value *big.Int, data []byte) ([]byte, error) {
	return f(ctx, target, value, data)
}

// RecordingSink accepts every call and keeps a copy of it.
type RecordingSink struct {
	mu    sync.Mutex
	calls []Call
}

func (s *RecordingSink) Call(_ context.Context, target common.Address, value *big.Int, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Target: target, Value: value, Data: append([]byte(nil), data...)})
	return nil, nil
}

// Calls returns the recorded calls.
func (s *RecordingSink) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Reference is the off-chain reference boundary. It verifies native proofs
// signed by the configured attester.
type Reference struct {
	attester   common.Address
	nullifiers NullifierRegistry
	sink       CallSink
	logger     *slog.Logger
}

// NewReference builds a reference boundary. A nil sink records calls.
func NewReference(attester common.Address, nullifiers NullifierRegistry, sink CallSink) *Reference {
	if nullifiers == nil {
		nullifiers = NewMemoryNullifierRegistry()
	}
	if sink == nil {
		sink = &RecordingSink{}
	}
	return &Reference{attester: attester, nullifiers: nullifiers, sink: sink, logger: logger.Named("verifier")}
}

// VerifyAndExecute rejects spent nullifiers and invalid proofs, then marks the
// nullifier spent and performs the call. A reverted call leaves the nullifier
// unspent.
func (r *Reference) VerifyAndExecute(ctx context.Context, call Call) (bool, error) {
	used, err := r.nullifiers.Used(ctx, call.Nullifier)
	if err != nil {
		return false, err
	}
	if used {
		return false, xerrors.New(xerrors.CodeNullifierUsed, "nullifier already used",
			xerrors.WithMetadata("nullifier", call.Nullifier.Hex()))
	}

	public := proofs.PublicInputs{
		PolicySatisfied: true,
		Nullifier:       call.Nullifier.Big(),
		UserAddressHash: call.UserAddressHash.Big(),
	}
	if err := proofs.VerifyNativeProof(r.attester, call.Proof, public); err != nil {
		return false, xerrors.Wrap(xerrors.CodeProofInvalid, err, "invalid proof")
	}

	claimed, err := r.nullifiers.Claim(ctx, call.Nullifier)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, xerrors.New(xerrors.CodeNullifierUsed, "nullifier already used",
			xerrors.WithMetadata("nullifier", call.Nullifier.Hex()))
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	if _, err := r.sink.Call(ctx, call.Target, value, call.Data); err != nil {
		if rerr := r.nullifiers.Release(ctx, call.Nullifier); rerr != nil {
			r.logger.Error("release nullifier after revert", slog.String("nullifier", call.Nullifier.Hex()), slog.Any("error", rerr))
		}
		return false, xerrors.Wrap(xerrors.CodeCallReverted, err, fmt.Sprintf("call to %s reverted", call.Target.Hex()))
	}

	logger.AuditEvent("verifier", "proof_consumed",
		slog.String("nullifier", call.Nullifier.Hex()),
		slog.String("target", call.Target.Hex()))
	return true, nil
}

// CallFromProof builds the boundary call for a generated proof.
func CallFromProof(p *proofs.Proof, target common.Address, value *big.Int, data []byte) Call {
	return Call{
		Proof:           p.Data,
		Nullifier:       proofs.ToHash(p.PublicInputs.Nullifier),
		UserAddressHash: proofs.ToHash(p.PublicInputs.UserAddressHash),
		Target:          target,
		Value:           value,
		Data:            data,
	}
}
