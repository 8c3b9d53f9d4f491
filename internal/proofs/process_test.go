package proofs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

func writeProver(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prover.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestProcessBackendRoundTrip(t *testing.T) {
	script := writeProver(t, `
cat > /dev/null
case "$1" in
  execute) echo '{"witness":"0xdeadbeef"}' ;;
  prove) echo '{"proof":"0x0102","publicInputs":{"policySatisfied":true,"nullifier":"0x05","userAddressHash":"7"}}' ;;
esac
`)
	backend, err := NewProcessBackend(script, nil, "", time.Minute)
	require.NoError(t, err)

	in, err := AssembleInputs(policy.CircuitConfig{}, parsed("1", recipient), DefaultDecimals)
	require.NoError(t, err)
	w, err := backend.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, w.Data)

	proof, err := backend.Prove(context.Background(), w, ProveOptions{Keccak: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, proof.Data)
	assert.True(t, proof.PublicInputs.PolicySatisfied)
	assert.Equal(t, int64(5), proof.PublicInputs.Nullifier.Int64())
	assert.Equal(t, int64(7), proof.PublicInputs.UserAddressHash.Int64())
}

func TestProcessBackendConstraintExitCode(t *testing.T) {
	script := writeProver(t, "cat > /dev/null\necho 'assertion failed: tx_amount <= max_amount' >&2\nexit 3\n")
	backend, err := NewProcessBackend(script, nil, "", time.Minute)
	require.NoError(t, err)

	in, err := AssembleInputs(policy.CircuitConfig{}, parsed("1", recipient), DefaultDecimals)
	require.NoError(t, err)
	_, err = backend.Execute(context.Background(), in)
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))
	assert.Contains(t, err.Error(), "tx_amount <= max_amount")
}

func TestProcessBackendInfrastructureFailure(t *testing.T) {
	script := writeProver(t, "cat > /dev/null\necho boom >&2\nexit 1\n")
	backend, err := NewProcessBackend(script, nil, "", time.Minute)
	require.NoError(t, err)

	in, err := AssembleInputs(policy.CircuitConfig{}, parsed("1", recipient), DefaultDecimals)
	require.NoError(t, err)
	_, err = backend.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProofBackend, xerrors.CodeOf(err))

	_, err = NewProcessBackend(" ", nil, "", 0)
	assert.Error(t, err)
}
