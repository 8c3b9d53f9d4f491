package proofs

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Modulus 返回 BN254 标量域的模数。
func Modulus() *big.Int {
	return fr.Modulus()
}

// ToField 将整数约简到标量域，返回规范化的大端 32 字节。
func ToField(v *big.Int) [32]byte {
	var e fr.Element
	if v != nil {
		e.SetBigInt(v)
	}
	return e.Bytes()
}

// InField 判断 v 是否已经是域内元素。
func InField(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(fr.Modulus()) < 0
}

// Hash 使用 MiMC 对一组域元素求哈希，电路内使用同一哈希。
func Hash(values ...*big.Int) (*big.Int, error) {
	h := mimc.NewMiMC()
	for i, v := range values {
		b := ToField(v)
		if _, err := h.Write(b[:]); err != nil {
			return nil, fmt.Errorf("mimc write element %d: %w", i, err)
		}
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}

// MustHash 与 Hash 相同，输入已经约简时不会失败。
func MustHash(values ...*big.Int) *big.Int {
	out, err := Hash(values...)
	if err != nil {
		panic(err)
	}
	return out
}

// AddressToField 将地址视为 160 位整数。
func AddressToField(addr common.Address) *big.Int {
	return new(big.Int).SetBytes(addr.Bytes())
}

// UserAddressHash 取 keccak256(address) 的前 128 位。
func UserAddressHash(addr common.Address) *big.Int {
	digest := crypto.Keccak256(addr.Bytes())
	return new(big.Int).SetBytes(digest[:16])
}

// Nullifier 由 (timestamp, recipient, 整币金额, userAddressHash) 派生，输入相同则输出相同。
func Nullifier(timestamp int64, recipient common.Address, wholeAmount, userAddressHash *big.Int) (*big.Int, error) {
	if timestamp < 0 {
		return nil, fmt.Errorf("timestamp must not be negative")
	}
	return Hash(big.NewInt(timestamp), AddressToField(recipient), wholeAmount, userAddressHash)
}

// FieldHex 把域元素格式化为 0x 前缀的 32 字节十六进制。
func FieldHex(v *big.Int) string {
	b := ToField(v)
	return hexutil.Encode(b[:])
}

// ToHash 把域元素转换为 bytes32。
func ToHash(v *big.Int) common.Hash {
	return common.Hash(ToField(v))
}
