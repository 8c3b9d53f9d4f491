package proofs

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// WhitelistDepth 是白名单树的深度。
	WhitelistDepth = 2
	// WhitelistCapacity 是白名单树的叶子数量。
	WhitelistCapacity = 1 << WhitelistDepth
)

// WhitelistTree 是收款地址的深度 2 Merkle 树，空位以 0 填充。
type WhitelistTree struct {
	leaves [WhitelistCapacity]*big.Int
	level1 [2]*big.Int
	root   *big.Int
}

// MembershipProof 是叶子到根的兄弟路径，Index 的第 k 位表示第 k 层当前节点在右侧。
type MembershipProof struct {
	Path  [WhitelistDepth]*big.Int
	Index uint8
}

// NewWhitelistTree 构造白名单树，最多 4 个地址。
func NewWhitelistTree(recipients []common.Address) (*WhitelistTree, error) {
	if len(recipients) > WhitelistCapacity {
		return nil, fmt.Errorf("whitelist holds at most %d recipients, got %d", WhitelistCapacity, len(recipients))
	}
	t := &WhitelistTree{}
	for i := range t.leaves {
		if i < len(recipients) {
			t.leaves[i] = AddressToField(recipients[i])
		} else {
			t.leaves[i] = new(big.Int)
		}
	}
	for i := range t.level1 {
		h, err := HashPair(t.leaves[2*i], t.leaves[2*i+1])
		if err != nil {
			return nil, err
		}
		t.level1[i] = h
	}
	root, err := HashPair(t.level1[0], t.level1[1])
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// HashPair 对左右两个子节点求哈希。
func HashPair(left, right *big.Int) (*big.Int, error) {
	return Hash(left, right)
}

// Root 返回树根。
func (t *WhitelistTree) Root() *big.Int {
	return new(big.Int).Set(t.root)
}

// IndexOf 返回地址所在叶子位置。
func (t *WhitelistTree) IndexOf(addr common.Address) (int, bool) {
	leaf := AddressToField(addr)
	if leaf.Sign() == 0 {
		return 0, false
	}
	for i, l := range t.leaves {
		if l.Cmp(leaf) == 0 {
			return i, true
		}
	}
	return 0, false
}

// Proof 返回叶子 i 的成员证明。
func (t *WhitelistTree) Proof(i int) (MembershipProof, error) {
	if i < 0 || i >= WhitelistCapacity {
		return MembershipProof{}, fmt.Errorf("leaf index %d out of range", i)
	}
	return MembershipProof{
		Path: [WhitelistDepth]*big.Int{
			new(big.Int).Set(t.leaves[i^1]),
			new(big.Int).Set(t.level1[(i>>1)^1]),
		},
		Index: uint8(i),
	}, nil
}

// ComputeRoot 按照电路的方式由叶子和路径重新计算树根。
func ComputeRoot(leaf *big.Int, proof MembershipProof) (*big.Int, error) {
	current := leaf
	for level := 0; level < WhitelistDepth; level++ {
		sibling := proof.Path[level]
		if sibling == nil {
			return nil, fmt.Errorf("missing sibling at level %d", level)
		}
		var err error
		if (proof.Index>>level)&1 == 1 {
			current, err = HashPair(sibling, current)
		} else {
			current, err = HashPair(current, sibling)
		}
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// VerifyMembership 判断叶子在给定路径下是否对应 root。
func VerifyMembership(leaf *big.Int, proof MembershipProof, root *big.Int) bool {
	if root == nil || proof.Index >= WhitelistCapacity {
		return false
	}
	computed, err := ComputeRoot(leaf, proof)
	if err != nil {
		return false
	}
	return computed.Cmp(root) == 0
}
