package rules

import (
	"encoding/json"
	"fmt"
	"math/big"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// MaxAmountConfig 以可读单位描述单笔上限。
type MaxAmountConfig struct {
	MaxAmount json.Number `json:"maxAmount"`
	Decimals  *int        `json:"decimals,omitempty"`
}

// MaxAmount 限制单笔转账金额，同时为电路提供 max_amount。
type MaxAmount struct {
	base
	defaultDecimals int
}

// NewMaxAmount 创建单笔上限规则。
func NewMaxAmount(defaultDecimals int) *MaxAmount {
	return &MaxAmount{
		base: base{
			ruleType:    TypeMaxAmount,
			name:        "Max amount",
			description: "Blocks transfers above a per-transaction limit",
			defaults:    json.RawMessage(`{"maxAmount":"0"}`),
		},
		defaultDecimals: defaultDecimals,
	}
}

// limit 返回最小单位的上限与精度。
func (r *MaxAmount) limit(cfg json.RawMessage) (*big.Int, int, error) {
	var c MaxAmountConfig
	if err := r.decode(cfg, &c); err != nil {
		return nil, 0, err
	}
	decimals := r.defaultDecimals
	if c.Decimals != nil {
		decimals = *c.Decimals
	}
	limit, err := policy.ParseUnits(c.MaxAmount.String(), decimals)
	if err != nil {
		return nil, 0, xerrors.Validation("maxAmount", err.Error())
	}
	return limit, decimals, nil
}

func (r *MaxAmount) Validate(cfg json.RawMessage) error {
	limit, _, err := r.limit(cfg)
	if err != nil {
		return err
	}
	if limit.Sign() <= 0 {
		return xerrors.Validation("maxAmount", "maxAmount must be positive")
	}
	return nil
}

func (r *MaxAmount) Evaluate(ctx policy.Context, cfg json.RawMessage) policy.Decision {
	limit, decimals, err := r.limit(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	amount := ctx.Transaction.Amount()
	if amount == nil {
		return policy.Allow("transaction carries no amount")
	}
	if amount.Cmp(limit) > 0 {
		return policy.Block(fmt.Sprintf("amount %s exceeds limit %s",
			policy.FormatUnits(amount, decimals), policy.FormatUnits(limit, decimals))).
			WithMetadata("limit", limit.String()).
			WithMetadata("amount", amount.String())
	}
	return policy.Allow(fmt.Sprintf("amount %s within limit %s",
		policy.FormatUnits(amount, decimals), policy.FormatUnits(limit, decimals)))
}

func (r *MaxAmount) PrepareConfig(_ policy.Context, cfg json.RawMessage) (policy.CircuitConfig, error) {
	limit, decimals, err := r.limit(cfg)
	if err != nil {
		return policy.CircuitConfig{}, err
	}
	return policy.CircuitConfig{Decimals: &decimals, EnableMaxAmount: true, MaxAmount: limit}, nil
}
