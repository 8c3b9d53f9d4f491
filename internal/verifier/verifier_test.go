package verifier

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/proofs"
)

var (
	target    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	user      = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

func generateProof(t *testing.T, amount string) (*proofs.NativeBackend, *proofs.Proof) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend, err := proofs.NewNativeBackend(key)
	require.NoError(t, err)

	parsed, err := proofs.Request{
		Amount:      amount,
		Recipient:   recipient.Hex(),
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Unix(),
		UserAddress: user.Hex(),
	}.Parse()
	require.NoError(t, err)
	inputs, err := proofs.AssembleInputs(policy.CircuitConfig{}, parsed, proofs.DefaultDecimals)
	require.NoError(t, err)

	ctx := context.Background()
	witness, err := backend.Execute(ctx, inputs)
	require.NoError(t, err)
	proof, err := backend.Prove(ctx, witness, proofs.ProveOptions{Keccak: true})
	require.NoError(t, err)
	return backend, proof
}

func TestReferenceConsumesNullifierOnce(t *testing.T) {
	backend, proof := generateProof(t, "1000000000000000000")
	sink := &RecordingSink{}
	boundary := NewReference(backend.Attester(), NewMemoryNullifierRegistry(), sink)
	call := CallFromProof(proof, target, big.NewInt(0), []byte{0x01, 0x02})

	ok, err := boundary.VerifyAndExecute(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, sink.Calls(), 1)
	assert.Equal(t, target, sink.Calls()[0].Target)

	ok, err = boundary.VerifyAndExecute(context.Background(), call)
	assert.False(t, ok)
	assert.Equal(t, xerrors.CodeNullifierUsed, xerrors.CodeOf(err))
	assert.Len(t, sink.Calls(), 1)
}

func TestReferenceRejectsTamperedProof(t *testing.T) {
	backend, proof := generateProof(t, "5")
	registry := NewMemoryNullifierRegistry()
	boundary := NewReference(backend.Attester(), registry, nil)
	call := CallFromProof(proof, target, nil, nil)
	call.Proof = append([]byte(nil), call.Proof...)
	call.Proof[10] ^= 0xff

	_, err := boundary.VerifyAndExecute(context.Background(), call)
	assert.Equal(t, xerrors.CodeProofInvalid, xerrors.CodeOf(err))
	used, _ := registry.Used(context.Background(), call.Nullifier)
	assert.False(t, used)

	other, _ := generateProof(t, "5")
	foreign := NewReference(other.Attester(), NewMemoryNullifierRegistry(), nil)
	_, err = foreign.VerifyAndExecute(context.Background(), CallFromProof(proof, target, nil, nil))
	assert.Equal(t, xerrors.CodeProofInvalid, xerrors.CodeOf(err))
}

func TestReferenceRevertKeepsNullifierUnspent(t *testing.T) {
	backend, proof := generateProof(t, "7")
	registry := NewMemoryNullifierRegistry()
	fail := true
	sink := CallSinkFunc(func(context.Context, common.Address, *big.Int, []byte) ([]byte, error) {
		if fail {
			return nil, errors.New("transfer amount exceeds balance")
		}
		return nil, nil
	})
	boundary := NewReference(backend.Attester(), registry, sink)
	call := CallFromProof(proof, target, nil, nil)

	_, err := boundary.VerifyAndExecute(context.Background(), call)
	assert.Equal(t, xerrors.CodeCallReverted, xerrors.CodeOf(err))
	assert.True(t, IsBoundaryRejection(err))

	fail = false
	ok, err := boundary.VerifyAndExecute(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReferenceConcurrentPresentationsSpendOnce(t *testing.T) {
	backend, proof := generateProof(t, "3")
	boundary := NewReference(backend.Attester(), NewMemoryNullifierRegistry(), nil)
	call := CallFromProof(proof, target, nil, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := boundary.VerifyAndExecute(context.Background(), call); ok {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func TestEncodeVerifyAndExecute(t *testing.T) {
	call := Call{
		Proof:           []byte{0xde, 0xad},
		Nullifier:       common.HexToHash("0x01"),
		UserAddressHash: common.HexToHash("0x02"),
		Target:          target,
		Value:           big.NewInt(9),
		Data:            []byte{0xca, 0xfe},
	}
	data, err := EncodeVerifyAndExecute(call)
	require.NoError(t, err)

	method := boundaryABI.Methods["verifyAndExecute"]
	assert.Equal(t, method.ID, data[:4])
	values, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, values, 6)
	assert.Equal(t, []byte{0xde, 0xad}, values[0])
	assert.Equal(t, [32]byte(call.Nullifier), values[1])
	assert.Equal(t, target, values[3])
	assert.Equal(t, 0, big.NewInt(9).Cmp(values[4].(*big.Int)))
}

func errorData(t *testing.T, name string, args ...interface{}) []byte {
	t.Helper()
	def := boundaryABI.Errors[name]
	packed, err := def.Inputs.Pack(args...)
	require.NoError(t, err)
	return append(append([]byte(nil), def.ID[:4]...), packed...)
}

func revertString(t *testing.T, reason string) []byte {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestDecodeRevert(t *testing.T) {
	assert.Equal(t, xerrors.CodeNullifierUsed, xerrors.CodeOf(DecodeRevert(errorData(t, "NullifierAlreadyUsed"))))
	assert.Equal(t, xerrors.CodeProofInvalid, xerrors.CodeOf(DecodeRevert(errorData(t, "InvalidProof"))))

	failed := DecodeRevert(errorData(t, "CallFailed", revertString(t, "insufficient balance")))
	assert.Equal(t, xerrors.CodeCallReverted, xerrors.CodeOf(failed))
	assert.Contains(t, failed.Error(), "insufficient balance")

	plain := DecodeRevert(revertString(t, "paused"))
	assert.Equal(t, xerrors.CodeCallReverted, xerrors.CodeOf(plain))
	assert.Contains(t, plain.Error(), "paused")

	assert.Equal(t, xerrors.CodeCallReverted, xerrors.CodeOf(DecodeRevert(nil)))
}

type revertErr struct{ data string }

func (e revertErr) Error() string          { return "execution reverted" }
func (e revertErr) ErrorCode() int         { return 3 }
func (e revertErr) ErrorData() interface{} { return e.data }

type fakeCaller struct {
	out []byte
	err error
	msg ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.msg = msg
	return f.out, f.err
}

func TestSimulatorDecodesRevertData(t *testing.T) {
	contract := common.HexToAddress("0x0000000000000000000000000000000000000fee")
	caller := &fakeCaller{err: revertErr{data: hexutil.Encode(errorData(t, "NullifierAlreadyUsed"))}}
	sim := NewSimulator(caller, contract, user)

	_, err := sim.VerifyAndExecute(context.Background(), Call{Target: target})
	assert.Equal(t, xerrors.CodeNullifierUsed, xerrors.CodeOf(err))
	require.NotNil(t, caller.msg.To)
	assert.Equal(t, contract, *caller.msg.To)
	assert.Equal(t, user, caller.msg.From)

	out, err := boundaryABI.Methods["verifyAndExecute"].Outputs.Pack(true)
	require.NoError(t, err)
	caller.err, caller.out = nil, out
	ok, err := sim.VerifyAndExecute(context.Background(), Call{Target: target})
	require.NoError(t, err)
	assert.True(t, ok)

	caller.err = errors.New("connection refused")
	_, err = sim.VerifyAndExecute(context.Background(), Call{Target: target})
	assert.Equal(t, xerrors.CodeSubmission, xerrors.CodeOf(err))
}

func TestRedisNullifierRegistry(t *testing.T) {
	addr := os.Getenv("ZKGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ZKGUARD_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	registry := NewRedisNullifierRegistry(client, "zkguard:test:"+time.Now().Format("150405.000000"))
	ctx := context.Background()
	n := common.HexToHash("0xabc")

	ok, err := registry.Claim(ctx, n)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = registry.Claim(ctx, n)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, registry.Release(ctx, n))
	used, err := registry.Used(ctx, n)
	require.NoError(t, err)
	assert.False(t, used)
}
