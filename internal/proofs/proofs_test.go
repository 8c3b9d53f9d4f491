package proofs

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

var (
	user      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
	stranger  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestUserAddressHashIsLeading128Bits(t *testing.T) {
	h := UserAddressHash(user)
	digest := crypto.Keccak256(user.Bytes())
	assert.Equal(t, new(big.Int).SetBytes(digest[:16]), h)
	assert.LessOrEqual(t, h.BitLen(), 128)
}

func TestNullifierDeterminism(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("same inputs give the same nullifier", prop.ForAll(
		func(ts int64, amount uint64) bool {
			uah := UserAddressHash(user)
			a, err1 := Nullifier(ts, recipient, new(big.Int).SetUint64(amount), uah)
			b, err2 := Nullifier(ts, recipient, new(big.Int).SetUint64(amount), uah)
			return err1 == nil && err2 == nil && a.Cmp(b) == 0 && InField(a)
		},
		gen.Int64Range(1, 1<<40),
		gen.UInt64(),
	))
	properties.Property("changing the amount changes the nullifier", prop.ForAll(
		func(ts int64, amount uint64) bool {
			uah := UserAddressHash(user)
			a, _ := Nullifier(ts, recipient, new(big.Int).SetUint64(amount), uah)
			b, _ := Nullifier(ts, recipient, new(big.Int).SetUint64(amount+1), uah)
			return a.Cmp(b) != 0
		},
		gen.Int64Range(1, 1<<40),
		gen.UInt64Range(0, 1<<62),
	))
	properties.TestingRun(t)
}

func TestWhitelistMembership(t *testing.T) {
	members := []common.Address{
		common.HexToAddress("0xaaaa000000000000000000000000000000000001"),
		common.HexToAddress("0xaaaa000000000000000000000000000000000002"),
		recipient,
		common.HexToAddress("0xaaaa000000000000000000000000000000000004"),
	}
	tree, err := NewWhitelistTree(members)
	require.NoError(t, err)

	for i, m := range members {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		assert.True(t, VerifyMembership(AddressToField(m), proof, tree.Root()), "leaf %d", i)
		assert.False(t, VerifyMembership(AddressToField(stranger), proof, tree.Root()), "leaf %d", i)
	}

	other, err := NewWhitelistTree(members[:3])
	require.NoError(t, err)
	proof, _ := tree.Proof(2)
	assert.False(t, VerifyMembership(AddressToField(recipient), proof, other.Root()))

	_, err = NewWhitelistTree(append(members, stranger))
	assert.Error(t, err)
	_, ok := tree.IndexOf(stranger)
	assert.False(t, ok)
}

func fourteenUTC() int64 {
	return time.Date(2026, 5, 1, 14, 30, 0, 0, time.UTC).Unix()
}

func parsed(amount string, to common.Address) ParsedRequest {
	req, err := Request{Amount: amount, Recipient: to.Hex(), Timestamp: fourteenUTC(), UserAddress: user.Hex()}.Parse()
	if err != nil {
		panic(err)
	}
	return req
}

func decimals(d int) *int { return &d }

func fullConfig(t *testing.T) policy.CircuitConfig {
	t.Helper()
	tree, err := NewWhitelistTree([]common.Address{recipient})
	require.NoError(t, err)
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	return policy.CircuitConfig{
		Decimals:         decimals(6),
		EnableMaxAmount:  true,
		MaxAmount:        big.NewInt(100_000_000),
		EnableTimeWindow: true,
		StartHour:        9,
		EndHour:          17,
		EnableWhitelist:  true,
		WhitelistRoot:    tree.Root(),
		WhitelistPath:    proof.Path,
		WhitelistIndex:   proof.Index,
	}
}

func TestAssembleInputsScalesSymmetrically(t *testing.T) {
	in, err := AssembleInputs(fullConfig(t), parsed("100999999", recipient), DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, int64(100), in.TxAmount.Int64())
	assert.Equal(t, int64(100), in.MaxAmount.Int64())
	assert.Equal(t, int64(1), in.PolicySatisfied.Int64())
	assert.Equal(t, AddressToField(recipient), in.TxRecipient)

	expected, err := Nullifier(fourteenUTC(), recipient, big.NewInt(100), UserAddressHash(user))
	require.NoError(t, err)
	assert.Equal(t, expected, in.Nullifier)

	enc := in.Encode()
	assert.Equal(t, "100", enc["tx_amount"])
	assert.Equal(t, "1", enc["enable_whitelist"])
	assert.Len(t, enc, 15)
}

func TestRequestParseRejectsMalformedInput(t *testing.T) {
	cases := []Request{
		{Amount: "1.5", Recipient: recipient.Hex(), Timestamp: 1, UserAddress: user.Hex()},
		{Amount: "-1", Recipient: recipient.Hex(), Timestamp: 1, UserAddress: user.Hex()},
		{Amount: "1", Recipient: "nope", Timestamp: 1, UserAddress: user.Hex()},
		{Amount: "1", Recipient: recipient.Hex(), Timestamp: 0, UserAddress: user.Hex()},
		{Amount: "1", Recipient: recipient.Hex(), Timestamp: 1, UserAddress: ""},
	}
	for _, c := range cases {
		_, err := c.Parse()
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeProofInputInvalid, xerrors.CodeOf(err))
	}
}

func newNative(t *testing.T) *NativeBackend {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	b, err := NewNativeBackend(key)
	require.NoError(t, err)
	return b
}

func TestNativeBackendProvesSatisfiedPolicy(t *testing.T) {
	backend := newNative(t)
	in, err := AssembleInputs(fullConfig(t), parsed("50000000", recipient), DefaultDecimals)
	require.NoError(t, err)

	w, err := backend.Execute(context.Background(), in)
	require.NoError(t, err)
	proof, err := backend.Prove(context.Background(), w, ProveOptions{Keccak: true})
	require.NoError(t, err)

	assert.Len(t, proof.Data, NativeProofLength)
	assert.True(t, proof.PublicInputs.PolicySatisfied)
	assert.Equal(t, in.Nullifier, proof.PublicInputs.Nullifier)
	require.NoError(t, VerifyNativeProof(backend.Attester(), proof.Data, proof.PublicInputs))

	tampered := proof.PublicInputs
	tampered.Nullifier = new(big.Int).Add(tampered.Nullifier, big.NewInt(1))
	assert.Error(t, VerifyNativeProof(backend.Attester(), proof.Data, tampered))
	assert.Error(t, VerifyNativeProof(stranger, proof.Data, proof.PublicInputs))
}

func TestNativeBackendRejectsViolations(t *testing.T) {
	backend := newNative(t)
	ctx := context.Background()

	over, err := AssembleInputs(fullConfig(t), parsed("101000000", recipient), DefaultDecimals)
	require.NoError(t, err)
	_, err = backend.Execute(ctx, over)
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))

	notListed, err := AssembleInputs(fullConfig(t), parsed("1000000", stranger), DefaultDecimals)
	require.NoError(t, err)
	_, err = backend.Execute(ctx, notListed)
	assert.True(t, IsConstraintViolation(err))

	night := fullConfig(t)
	night.StartHour, night.EndHour = 0, 6
	late, err := AssembleInputs(night, parsed("1000000", recipient), DefaultDecimals)
	require.NoError(t, err)
	_, err = backend.Execute(ctx, late)
	assert.True(t, IsConstraintViolation(err))

	forged, err := AssembleInputs(fullConfig(t), parsed("1000000", recipient), DefaultDecimals)
	require.NoError(t, err)
	forged.Nullifier = big.NewInt(7)
	_, err = backend.Execute(ctx, forged)
	assert.True(t, IsConstraintViolation(err))
}

func TestNativeBackendSkipsDisabledConstraints(t *testing.T) {
	backend := newNative(t)
	in, err := AssembleInputs(policy.CircuitConfig{}, parsed("999999999999999999999", stranger), DefaultDecimals)
	require.NoError(t, err)
	_, err = backend.Execute(context.Background(), in)
	require.NoError(t, err)
}

func TestNativeBackendMalformedInputIsInfrastructure(t *testing.T) {
	backend := newNative(t)
	_, err := backend.Execute(context.Background(), &CircuitInputs{})
	require.Error(t, err)
	assert.False(t, IsConstraintViolation(err))
	assert.Equal(t, xerrors.CodeProofBackend, xerrors.CodeOf(err))
}

func TestAssembleInputsKeepsZeroDecimals(t *testing.T) {
	backend := newNative(t)
	cfg := policy.CircuitConfig{Decimals: decimals(0), EnableMaxAmount: true, MaxAmount: big.NewInt(10)}

	in, err := AssembleInputs(cfg, parsed("11", recipient), DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, int64(11), in.TxAmount.Int64())
	assert.Equal(t, int64(10), in.MaxAmount.Int64())
	_, err = backend.Execute(context.Background(), in)
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))

	within, err := AssembleInputs(cfg, parsed("10", recipient), DefaultDecimals)
	require.NoError(t, err)
	_, err = backend.Execute(context.Background(), within)
	assert.NoError(t, err)
}

func TestAssembleInputsUsesConfiguredDefaultDecimals(t *testing.T) {
	a, err := AssembleInputs(policy.CircuitConfig{}, parsed("1000000", recipient), 6)
	require.NoError(t, err)
	b, err := AssembleInputs(policy.CircuitConfig{}, parsed("2000000", recipient), 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.TxAmount.Int64())
	assert.NotEqual(t, 0, a.Nullifier.Cmp(b.Nullifier))

	_, err = AssembleInputs(policy.CircuitConfig{}, parsed("1", recipient), -1)
	assert.Equal(t, xerrors.CodeProofInputInvalid, xerrors.CodeOf(err))
}
