package rules

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// CooldownConfig 描述两次执行之间的最小间隔。
type CooldownConfig struct {
	MinimumSeconds int64 `json:"minimumSeconds"`
}

// Cooldown 要求距离上次成功执行至少经过 MinimumSeconds 秒。
type Cooldown struct {
	base
}

// NewCooldown 创建冷却规则。
func NewCooldown() *Cooldown {
	return &Cooldown{base: base{
		ruleType:    TypeCooldown,
		name:        "Cooldown",
		description: "Requires a minimum delay between executions",
		defaults:    json.RawMessage(`{"minimumSeconds":0}`),
	}}
}

func (r *Cooldown) config(cfg json.RawMessage) (CooldownConfig, error) {
	var c CooldownConfig
	if err := r.decode(cfg, &c); err != nil {
		return c, err
	}
	if c.MinimumSeconds < 0 {
		return c, xerrors.Validation("minimumSeconds", "minimumSeconds must not be negative")
	}
	return c, nil
}

func (r *Cooldown) Validate(cfg json.RawMessage) error {
	_, err := r.config(cfg)
	return err
}

func (r *Cooldown) Evaluate(ctx policy.Context, cfg json.RawMessage) policy.Decision {
	c, err := r.config(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	if ctx.LastExecutionTime == nil {
		return policy.Allow("no previous execution")
	}
	elapsed := int64(ctx.Timestamp.Sub(*ctx.LastExecutionTime) / time.Second)
	if elapsed < c.MinimumSeconds {
		return policy.Block(fmt.Sprintf("cooldown active: %ds elapsed, %ds required", elapsed, c.MinimumSeconds)).
			WithMetadata("remainingSeconds", c.MinimumSeconds-elapsed)
	}
	return policy.Allow(fmt.Sprintf("%ds elapsed since last execution", elapsed))
}
