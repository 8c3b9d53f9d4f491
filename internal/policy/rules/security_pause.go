package rules

import (
	"encoding/json"
	"fmt"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// SecurityPauseConfig 描述赎回速率的异常阈值，0 表示不检查该项。
type SecurityPauseConfig struct {
	GlobalThreshold float64 `json:"globalThreshold"`
	UserThreshold   float64 `json:"userThreshold"`
	FailOpen        *bool   `json:"failOpen,omitempty"`
}

// SecurityPause 在遥测检测到全局或用户级赎回异常时暂停执行。
type SecurityPause struct {
	base
	failOpen bool
}

// NewSecurityPause 创建安全暂停规则。
func NewSecurityPause(failOpen bool) *SecurityPause {
	return &SecurityPause{
		base: base{
			ruleType:    TypeSecurityPause,
			name:        "Security pause",
			description: "Pauses execution on abnormal global or per-user redemption rates",
			defaults:    json.RawMessage(`{"globalThreshold":0.25,"userThreshold":0.5}`),
		},
		failOpen: failOpen,
	}
}

func (r *SecurityPause) config(cfg json.RawMessage) (SecurityPauseConfig, error) {
	var c SecurityPauseConfig
	if err := r.decode(cfg, &c); err != nil {
		return c, err
	}
	if c.GlobalThreshold < 0 || c.GlobalThreshold > 1 {
		return c, xerrors.Validation("globalThreshold", "globalThreshold must be between 0 and 1")
	}
	if c.UserThreshold < 0 || c.UserThreshold > 1 {
		return c, xerrors.Validation("userThreshold", "userThreshold must be between 0 and 1")
	}
	return c, nil
}

func (r *SecurityPause) Validate(cfg json.RawMessage) error {
	_, err := r.config(cfg)
	return err
}

func (r *SecurityPause) Evaluate(ctx policy.Context, cfg json.RawMessage) policy.Decision {
	c, err := r.config(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	failOpen := r.failOpen
	if c.FailOpen != nil {
		failOpen = *c.FailOpen
	}

	var telemetry policy.RedemptionTelemetry
	if err := ctx.Signals.Decode(policy.SignalRedemptionTelemetry, &telemetry); err != nil {
		if failOpen {
			return policy.Allow("redemption telemetry unavailable, failing open").WithMetadata("signalMissing", true)
		}
		return policy.Block("redemption telemetry unavailable").WithMetadata("signalMissing", true)
	}

	if telemetry.GlobalPaused {
		return policy.Block("global security pause in effect").WithMetadata("scope", "global")
	}
	if c.GlobalThreshold > 0 && telemetry.GlobalRate > c.GlobalThreshold {
		return policy.Block(fmt.Sprintf("global redemption rate %.4f exceeds %.4f", telemetry.GlobalRate, c.GlobalThreshold)).
			WithMetadata("scope", "global")
	}
	user := ctx.UserAddress.Hex()
	if telemetry.Flagged(user) {
		return policy.Block(fmt.Sprintf("user %s flagged by redemption telemetry", user)).WithMetadata("scope", "user")
	}
	if rate, ok := telemetry.UserRate(user); ok && c.UserThreshold > 0 && rate > c.UserThreshold {
		return policy.Block(fmt.Sprintf("user redemption rate %.4f exceeds %.4f", rate, c.UserThreshold)).
			WithMetadata("scope", "user")
	}
	return policy.Allow("no redemption anomaly detected")
}
