package userop

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func sampleOp() *UserOperation {
	return &UserOperation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                big.NewInt(7),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(150000),
		PreVerificationGas:   big.NewInt(21000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{0x01},
		Signature:            []byte{0xaa},
	}
}

func word(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }

func TestHashMatchesManualEncoding(t *testing.T) {
	op := sampleOp()
	chainID := big.NewInt(11155111)

	var packed []byte
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, word(op.CallGasLimit)...)
	packed = append(packed, word(op.VerificationGasLimit)...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, word(op.MaxFeePerGas)...)
	packed = append(packed, word(op.MaxPriorityFeePerGas)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)

	var outer []byte
	outer = append(outer, crypto.Keccak256(packed)...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, word(chainID)...)

	got, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(outer), got)
}

func TestHashIgnoresSignatureButBindsChain(t *testing.T) {
	op := sampleOp()
	h1, err := op.Hash(entryPoint, big.NewInt(1))
	require.NoError(t, err)

	signed := op.Clone()
	signed.Signature = []byte{0x01, 0x02, 0x03}
	h2, err := signed.Hash(entryPoint, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := op.Hash(entryPoint, big.NewInt(137))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestJSONUsesHexQuantities(t *testing.T) {
	op := sampleOp()
	op.InitCode = nil
	raw, err := json.Marshal(op)
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "0x7", fields["nonce"])
	assert.Equal(t, "0x", fields["initCode"])
	assert.Equal(t, "0x77359400", fields["maxFeePerGas"])

	var back UserOperation
	require.NoError(t, json.Unmarshal(raw, &back))
	h1, _ := op.Hash(entryPoint, big.NewInt(1))
	h2, _ := back.Hash(entryPoint, big.NewInt(1))
	assert.Equal(t, h1, h2)
}

func TestEncodeCalls(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	single, err := EncodeCalls([]Call{{Target: token, Value: big.NewInt(5), Data: []byte{0x01}}})
	require.NoError(t, err)
	assert.Equal(t, accountABI.Methods["execute"].ID, single[:4])

	calls, err := DecodeCalls(single)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, token, calls[0].Target)
	assert.Equal(t, int64(5), calls[0].Value.Int64())

	verifier := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	batch, err := EncodeCalls([]Call{{Target: token, Data: []byte{0x02}}, {Target: verifier, Data: []byte{0x03}}})
	require.NoError(t, err)
	assert.Equal(t, accountABI.Methods["executeBatch"].ID, batch[:4])
	calls, err = DecodeCalls(batch)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, verifier, calls[1].Target)
	assert.Equal(t, []byte{0x03}, calls[1].Data)

	_, err = EncodeExecuteBatch(nil)
	assert.Error(t, err)
}
