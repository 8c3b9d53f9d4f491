package rules

import (
	"encoding/json"
	"fmt"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// TimeWindowConfig 描述允许执行的 UTC 小时区间 [StartHour, EndHour)。
type TimeWindowConfig struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// TimeWindow 只在每天的固定时段放行。
type TimeWindow struct {
	base
}

// NewTimeWindow 创建时间窗口规则。
func NewTimeWindow() *TimeWindow {
	return &TimeWindow{base: base{
		ruleType:    TypeTimeWindow,
		name:        "Time window",
		description: "Allows transactions only between startHour (inclusive) and endHour (exclusive) UTC",
		defaults:    json.RawMessage(`{"startHour":0,"endHour":24}`),
	}}
}

func (r *TimeWindow) window(cfg json.RawMessage) (TimeWindowConfig, error) {
	var c TimeWindowConfig
	if err := r.decode(cfg, &c); err != nil {
		return c, err
	}
	if c.StartHour < 0 || c.StartHour > 23 {
		return c, xerrors.Validation("startHour", "startHour must be between 0 and 23")
	}
	if c.EndHour < 1 || c.EndHour > 24 {
		return c, xerrors.Validation("endHour", "endHour must be between 1 and 24")
	}
	if c.StartHour >= c.EndHour {
		return c, xerrors.Validation("startHour", "startHour must be before endHour")
	}
	return c, nil
}

func (r *TimeWindow) Validate(cfg json.RawMessage) error {
	_, err := r.window(cfg)
	return err
}

func (r *TimeWindow) Evaluate(ctx policy.Context, cfg json.RawMessage) policy.Decision {
	c, err := r.window(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	hour := ctx.Timestamp.UTC().Hour()
	if hour < c.StartHour || hour >= c.EndHour {
		return policy.Block(fmt.Sprintf("hour %02d UTC outside window %02d:00-%02d:00", hour, c.StartHour, c.EndHour)).
			WithMetadata("hour", hour)
	}
	return policy.Allow(fmt.Sprintf("hour %02d UTC inside window %02d:00-%02d:00", hour, c.StartHour, c.EndHour))
}

func (r *TimeWindow) PrepareConfig(_ policy.Context, cfg json.RawMessage) (policy.CircuitConfig, error) {
	c, err := r.window(cfg)
	if err != nil {
		return policy.CircuitConfig{}, err
	}
	return policy.CircuitConfig{EnableTimeWindow: true, StartHour: c.StartHour, EndHour: c.EndHour}, nil
}
