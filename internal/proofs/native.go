package proofs

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	transcriptKeccak byte = 1
	transcriptMiMC   byte = 2

	// NativeProofLength 是 native 证明的字节长度：转录标记 + 见证承诺 + 签名。
	NativeProofLength = 1 + 32 + crypto.SignatureLength
)

var nativeDomain = []byte("zkguard.native.v1")

// NativeBackend 在进程内执行与电路相同的约束程序，
// 并用 enclave 的证明密钥对公开输出和见证承诺签名。
type NativeBackend struct {
	key *ecdsa.PrivateKey
}

// NewNativeBackend 使用给定的证明密钥创建后端。
func NewNativeBackend(key *ecdsa.PrivateKey) (*NativeBackend, error) {
	if key == nil {
		return nil, errors.New("attester key is required")
	}
	return &NativeBackend{key: key}, nil
}

// Name 返回后端名称。
func (b *NativeBackend) Name() string { return "native" }

// Attester 返回验证证明时使用的签名地址。
func (b *NativeBackend) Attester() common.Address {
	return crypto.PubkeyToAddress(b.key.PublicKey)
}

// Execute 检查全部已启用的约束并生成见证。
func (b *NativeBackend) Execute(ctx context.Context, in *CircuitInputs) (*Witness, error) {
	if err := ctx.Err(); err != nil {
		return nil, BackendError(err, "execute cancelled")
	}
	if in == nil {
		return nil, BackendError(errors.New("nil inputs"), "malformed circuit inputs")
	}
	fields := in.fields()
	for i, f := range fields {
		if f == nil {
			return nil, BackendError(fmt.Errorf("field %d is nil", i), "malformed circuit inputs")
		}
		if !InField(f) {
			return nil, BackendError(fmt.Errorf("field %d out of range", i), "malformed circuit inputs")
		}
	}
	if err := checkConstraints(in); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, f := range fields {
		b := ToField(f)
		buf.Write(b[:])
	}
	return &Witness{Inputs: in, Data: buf.Bytes()}, nil
}

func checkConstraints(in *CircuitInputs) error {
	if in.PolicySatisfied.Cmp(big.NewInt(1)) != 0 {
		return ConstraintError("policy_satisfied must be 1")
	}
	if in.TxAmount.Cmp(maxWholeAmount) > 0 || in.MaxAmount.Cmp(maxWholeAmount) > 0 {
		return ConstraintError("amount exceeds 64-bit range")
	}

	nullifier, err := Hash(in.TxTimestamp, in.TxRecipient, in.TxAmount, in.UserAddressHash)
	if err != nil {
		return BackendError(err, "recompute nullifier")
	}
	if nullifier.Cmp(in.Nullifier) != 0 {
		return ConstraintError("nullifier does not bind the transaction")
	}

	if in.EnableMaxAmount && in.TxAmount.Cmp(in.MaxAmount) > 0 {
		return ConstraintError("tx_amount %s exceeds max_amount %s", in.TxAmount, in.MaxAmount)
	}

	if in.EnableTimeWindow {
		start, end := in.AllowedStartHour, in.AllowedEndHour
		if start.Cmp(end) >= 0 || end.Cmp(big.NewInt(24)) > 0 {
			return ConstraintError("invalid time window %s-%s", start, end)
		}
		hour := new(big.Int).Mod(new(big.Int).Quo(in.TxTimestamp, big.NewInt(3600)), big.NewInt(24))
		if hour.Cmp(start) < 0 || hour.Cmp(end) >= 0 {
			return ConstraintError("hour %s outside window %s-%s", hour, start, end)
		}
	}

	if in.EnableWhitelist {
		if !in.WhitelistIndex.IsUint64() || in.WhitelistIndex.Uint64() >= WhitelistCapacity {
			return ConstraintError("whitelist_index out of range")
		}
		proof := MembershipProof{Path: in.WhitelistPath, Index: uint8(in.WhitelistIndex.Uint64())}
		if !VerifyMembership(in.TxRecipient, proof, in.WhitelistRoot) {
			return ConstraintError("recipient is not a member of the whitelist")
		}
	}
	return nil
}

// Prove 对见证求承诺，并签名 (承诺, 公开输出)。
func (b *NativeBackend) Prove(ctx context.Context, w *Witness, opts ProveOptions) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, BackendError(err, "prove cancelled")
	}
	if w == nil || w.Inputs == nil || len(w.Data) == 0 {
		return nil, BackendError(errors.New("empty witness"), "malformed witness")
	}

	mode := transcriptMiMC
	var commitment common.Hash
	if opts.Keccak {
		mode = transcriptKeccak
		commitment = crypto.Keccak256Hash(w.Data)
	} else {
		h, err := Hash(w.Inputs.fields()...)
		if err != nil {
			return nil, BackendError(err, "witness commitment")
		}
		commitment = ToHash(h)
	}

	public := w.Inputs.Public()
	digest := attestationDigest(mode, commitment, public)
	sig, err := crypto.Sign(digest.Bytes(), b.key)
	if err != nil {
		return nil, BackendError(err, "sign attestation")
	}

	data := make([]byte, 0, NativeProofLength)
	data = append(data, mode)
	data = append(data, commitment.Bytes()...)
	data = append(data, sig...)
	return &Proof{Data: data, PublicInputs: public}, nil
}

func attestationDigest(mode byte, commitment common.Hash, public PublicInputs) common.Hash {
	satisfied := new(big.Int)
	if public.PolicySatisfied {
		satisfied.SetInt64(1)
	}
	s, n, u := ToField(satisfied), ToField(public.Nullifier), ToField(public.UserAddressHash)
	return crypto.Keccak256Hash(nativeDomain, []byte{mode}, commitment.Bytes(), s[:], n[:], u[:])
}

// VerifyNativeProof 校验 native 证明确实由 attester 针对给定公开输出签发。
func VerifyNativeProof(attester common.Address, proof []byte, public PublicInputs) error {
	if len(proof) != NativeProofLength {
		return fmt.Errorf("proof length %d, want %d", len(proof), NativeProofLength)
	}
	mode := proof[0]
	if mode != transcriptKeccak && mode != transcriptMiMC {
		return fmt.Errorf("unknown transcript mode %d", mode)
	}
	if public.Nullifier == nil || public.UserAddressHash == nil {
		return errors.New("public inputs incomplete")
	}
	commitment := common.BytesToHash(proof[1:33])
	sig := proof[33:]
	digest := attestationDigest(mode, commitment, public)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("recover attester: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != attester {
		return errors.New("proof not signed by the configured attester")
	}
	return nil
}
