package rules

import (
	"encoding/json"
	"fmt"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// GasLimitConfig 以 gwei 描述可接受的最高 gas 价格。
type GasLimitConfig struct {
	MaxGasPriceGwei json.Number `json:"maxGasPriceGwei"`
	// FailOpen 覆盖全局的信号缺失行为。
	FailOpen *bool `json:"failOpen,omitempty"`
}

// GasLimit 在链上 gas 价格高于上限时拦截。
type GasLimit struct {
	base
	failOpen bool
}

// NewGasLimit 创建 gas 上限规则。failOpen 决定 gas 信号缺失时是否放行。
func NewGasLimit(failOpen bool) *GasLimit {
	return &GasLimit{
		base: base{
			ruleType:    TypeGasLimit,
			name:        "Gas limit",
			description: "Blocks execution while the network gas price exceeds a ceiling",
			defaults:    json.RawMessage(`{"maxGasPriceGwei":"100"}`),
		},
		failOpen: failOpen,
	}
}

func (r *GasLimit) config(cfg json.RawMessage) (GasLimitConfig, error) {
	var c GasLimitConfig
	if err := r.decode(cfg, &c); err != nil {
		return c, err
	}
	if _, err := policy.ParseUnits(c.MaxGasPriceGwei.String(), 9); err != nil {
		return c, xerrors.Validation("maxGasPriceGwei", err.Error())
	}
	return c, nil
}

func (r *GasLimit) Validate(cfg json.RawMessage) error {
	_, err := r.config(cfg)
	return err
}

func (r *GasLimit) Evaluate(ctx policy.Context, cfg json.RawMessage) policy.Decision {
	c, err := r.config(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	ceiling, _ := policy.ParseUnits(c.MaxGasPriceGwei.String(), 9)

	failOpen := r.failOpen
	if c.FailOpen != nil {
		failOpen = *c.FailOpen
	}
	price, ok := ctx.Signals.BigInt(policy.SignalGasPrice)
	if !ok {
		if failOpen {
			return policy.Allow("gas price unavailable, failing open").WithMetadata("signalMissing", true)
		}
		return policy.Block("gas price unavailable").WithMetadata("signalMissing", true)
	}
	if price.Cmp(ceiling) > 0 {
		return policy.Block(fmt.Sprintf("gas price %s gwei exceeds ceiling %s gwei",
			policy.FormatUnits(price, 9), policy.FormatUnits(ceiling, 9))).
			WithMetadata("gasPriceWei", price.String())
	}
	return policy.Allow(fmt.Sprintf("gas price %s gwei within ceiling", policy.FormatUnits(price, 9)))
}
