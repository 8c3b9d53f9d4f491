package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// 内置规则类型。
const (
	TypeMaxAmount          = "max-amount"
	TypeTimeWindow         = "time-window"
	TypeCooldown           = "cooldown"
	TypeRecipientWhitelist = "recipient-whitelist"
	TypeGasLimit           = "gas-limit"
	TypeSecurityPause      = "security-pause"
)

// Options 控制内置规则的默认行为。
type Options struct {
	// DefaultDecimals 在配置未指定精度时使用。
	DefaultDecimals int
	// GasLimitFailOpen 为 true 时 gas 信号缺失视为放行。
	GasLimitFailOpen bool
	// SecurityPauseFailOpen 为 true 时遥测信号缺失视为放行。
	SecurityPauseFailOpen bool
}

// DefaultOptions 返回默认选项：18 位精度，信号缺失时放行。
func DefaultOptions() Options {
	return Options{DefaultDecimals: 18, GasLimitFailOpen: true, SecurityPauseFailOpen: true}
}

// RegisterDefaults 将全部内置规则注册到 registry。
func RegisterDefaults(registry *policy.Registry, opts Options) error {
	if opts.DefaultDecimals <= 0 {
		opts.DefaultDecimals = 18
	}
	for _, rule := range []policy.Rule{
		NewMaxAmount(opts.DefaultDecimals),
		NewTimeWindow(),
		NewCooldown(),
		NewRecipientWhitelist(),
		NewGasLimit(opts.GasLimitFailOpen),
		NewSecurityPause(opts.SecurityPauseFailOpen),
	} {
		if err := registry.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

type base struct {
	ruleType    string
	name        string
	description string
	defaults    json.RawMessage
}

func (b base) Type() string                   { return b.ruleType }
func (b base) Name() string                   { return b.name }
func (b base) Description() string            { return b.description }
func (b base) DefaultConfig() json.RawMessage { return append(json.RawMessage(nil), b.defaults...) }

// decode 解析规则配置，空配置使用默认值，不认识的字段视为错误。
func (b base) decode(cfg json.RawMessage, dst any) error {
	raw := bytes.TrimSpace(cfg)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = b.defaults
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Validation(b.ruleType, fmt.Sprintf("decode %s config: %v", b.ruleType, err))
	}
	return nil
}

func invalidConfig(err error) policy.Decision {
	return policy.Block(fmt.Sprintf("invalid configuration: %v", err))
}
