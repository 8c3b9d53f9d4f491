package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/proofs"
)

// RecipientWhitelistConfig 列出允许的收款地址，空列表表示不限制。
type RecipientWhitelistConfig struct {
	Recipients []string `json:"recipients"`
}

// RecipientWhitelist 在实时评估中检查收款地址，在电路中以 Merkle 成员证明表达。
type RecipientWhitelist struct {
	base
}

// NewRecipientWhitelist 创建收款白名单规则。
func NewRecipientWhitelist() *RecipientWhitelist {
	return &RecipientWhitelist{base: base{
		ruleType:    TypeRecipientWhitelist,
		name:        "Recipient whitelist",
		description: "Restricts transfers to an allowed set of recipients",
		defaults:    json.RawMessage(`{"recipients":[]}`),
	}}
}

func (r *RecipientWhitelist) recipients(cfg json.RawMessage) ([]common.Address, error) {
	var c RecipientWhitelistConfig
	if err := r.decode(cfg, &c); err != nil {
		return nil, err
	}
	if len(c.Recipients) > proofs.WhitelistCapacity {
		return nil, xerrors.Validation("recipients", fmt.Sprintf("at most %d recipients are supported", proofs.WhitelistCapacity))
	}
	out := make([]common.Address, 0, len(c.Recipients))
	seen := make(map[common.Address]struct{}, len(c.Recipients))
	for i, raw := range c.Recipients {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			return nil, xerrors.Validation(fmt.Sprintf("recipients[%d]", i), fmt.Sprintf("invalid address %q", raw))
		}
		addr := common.HexToAddress(raw)
		if addr == (common.Address{}) {
			return nil, xerrors.Validation(fmt.Sprintf("recipients[%d]", i), "zero address is not allowed")
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

func (r *RecipientWhitelist) Validate(cfg json.RawMessage) error {
	_, err := r.recipients(cfg)
	return err
}

func (r *RecipientWhitelist) Evaluate(ctx policy.Context, cfg json.RawMessage) policy.Decision {
	allowed, err := r.recipients(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	if len(allowed) == 0 {
		return policy.Allow("whitelist empty, no restriction")
	}
	recipient, ok := ctx.Transaction.RecipientAddress()
	if !ok {
		return policy.Block("transaction has no recipient")
	}
	for _, addr := range allowed {
		if addr == recipient {
			return policy.Allow(fmt.Sprintf("recipient %s is whitelisted", recipient.Hex()))
		}
	}
	return policy.Block(fmt.Sprintf("recipient %s is not whitelisted", recipient.Hex())).
		WithMetadata("recipient", recipient.Hex())
}

// PrepareConfig 输出树根与收款地址的成员路径。收款地址不在名单中时仍输出叶子 0 的路径，
// 由电路在重算树根时拒绝。
func (r *RecipientWhitelist) PrepareConfig(ctx policy.Context, cfg json.RawMessage) (policy.CircuitConfig, error) {
	allowed, err := r.recipients(cfg)
	if err != nil {
		return policy.CircuitConfig{}, err
	}
	if len(allowed) == 0 {
		return policy.CircuitConfig{}, nil
	}
	tree, err := proofs.NewWhitelistTree(allowed)
	if err != nil {
		return policy.CircuitConfig{}, err
	}
	index := 0
	if recipient, ok := ctx.Transaction.RecipientAddress(); ok {
		if i, found := tree.IndexOf(recipient); found {
			index = i
		}
	}
	proof, err := tree.Proof(index)
	if err != nil {
		return policy.CircuitConfig{}, err
	}
	return policy.CircuitConfig{
		EnableWhitelist: true,
		WhitelistRoot:   tree.Root(),
		WhitelistPath:   proof.Path,
		WhitelistIndex:  proof.Index,
	}, nil
}
