package policy

import (
	"encoding/json"
	"math/big"
)

// Rule 描述一种策略类型。注册后不可修改。
type Rule interface {
	Type() string
	Name() string
	Description() string
	DefaultConfig() json.RawMessage
	// Validate 在安装策略时校验配置，失败时返回 ValidationError。
	Validate(cfg json.RawMessage) error
}

// Evaluator 是基于实时信号放行或拦截的规则能力。
type Evaluator interface {
	Rule
	Evaluate(ctx Context, cfg json.RawMessage) Decision
}

// CircuitConfigurer 是把存储的配置转换为电路输入的规则能力。
type CircuitConfigurer interface {
	Rule
	PrepareConfig(ctx Context, cfg json.RawMessage) (CircuitConfig, error)
}

// CircuitConfig 是各条电路规则产出的部分配置聚合后的结果。
// 金额以最小单位表示，送入电路前再统一换算为整币单位。
// Decimals 为 nil 表示没有规则给出精度，由证明方使用自己的默认精度；0 是合法精度。
type CircuitConfig struct {
	Decimals *int

	EnableMaxAmount bool
	MaxAmount       *big.Int

	EnableTimeWindow bool
	StartHour        int
	EndHour          int

	EnableWhitelist bool
	WhitelistRoot   *big.Int
	WhitelistPath   [2]*big.Int
	WhitelistIndex  uint8
}

// Merge 将另一条规则产出的部分配置合并进来，后出现的启用项覆盖先前的同类项。
func (c CircuitConfig) Merge(part CircuitConfig) CircuitConfig {
	if part.Decimals != nil {
		d := *part.Decimals
		c.Decimals = &d
	}
	if part.EnableMaxAmount {
		c.EnableMaxAmount = true
		c.MaxAmount = part.MaxAmount
	}
	if part.EnableTimeWindow {
		c.EnableTimeWindow = true
		c.StartHour = part.StartHour
		c.EndHour = part.EndHour
	}
	if part.EnableWhitelist {
		c.EnableWhitelist = true
		c.WhitelistRoot = part.WhitelistRoot
		c.WhitelistPath = part.WhitelistPath
		c.WhitelistIndex = part.WhitelistIndex
	}
	return c
}
