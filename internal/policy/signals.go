package policy

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// 规则读取的信号名称。
const (
	SignalGasPrice            = "gas_price"
	SignalRedemptionTelemetry = "redemption_telemetry"
)

// RedemptionTelemetry 描述赎回速率遥测，速率均为 0-1 之间的比例。
type RedemptionTelemetry struct {
	GlobalRate   float64            `json:"globalRate"`
	GlobalPaused bool               `json:"globalPaused"`
	UserRates    map[string]float64 `json:"userRates,omitempty"`
	FlaggedUsers []string           `json:"flaggedUsers,omitempty"`
}

// UserRate 返回指定用户的赎回速率，地址大小写不敏感。
func (t RedemptionTelemetry) UserRate(user string) (float64, bool) {
	for addr, rate := range t.UserRates {
		if strings.EqualFold(addr, user) {
			return rate, true
		}
	}
	return 0, false
}

// Flagged 判断用户是否被遥测标记为异常。
func (t RedemptionTelemetry) Flagged(user string) bool {
	for _, addr := range t.FlaggedUsers {
		if strings.EqualFold(addr, user) {
			return true
		}
	}
	return false
}

// Signals 是只读的外部信号快照。
type Signals struct {
	values map[string]any
}

// NewSignals 复制给定的信号集合。
func NewSignals(values map[string]any) Signals {
	clone := make(map[string]any, len(values))
	for k, v := range values {
		clone[k] = v
	}
	return Signals{values: clone}
}

// Get 返回原始信号值。
func (s Signals) Get(name string) (any, bool) {
	v, ok := s.values[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Len 返回信号数量。
func (s Signals) Len() int {
	return len(s.values)
}

// Names 返回全部信号名称。
func (s Signals) Names() []string {
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// BigInt 将信号解析为整数。支持 *big.Int、整型、json.Number 与十进制或 0x 字符串。
func (s Signals) BigInt(name string) (*big.Int, bool) {
	v, ok := s.Get(name)
	if !ok {
		return nil, false
	}
	switch val := v.(type) {
	case *big.Int:
		return new(big.Int).Set(val), true
	case big.Int:
		return new(big.Int).Set(&val), true
	case int:
		return big.NewInt(int64(val)), true
	case int64:
		return big.NewInt(val), true
	case uint64:
		return new(big.Int).SetUint64(val), true
	case float64:
		if val < 0 || val != float64(int64(val)) {
			return nil, false
		}
		return big.NewInt(int64(val)), true
	case json.Number:
		return parseBigInt(val.String())
	case string:
		return parseBigInt(val)
	default:
		return nil, false
	}
}

// Decode 将信号转换为目标结构体；类型不一致时通过 JSON 重新解码。
func (s Signals) Decode(name string, dst any) error {
	v, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("signal %s unavailable", name)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode signal %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode signal %s: %w", name, err)
	}
	return nil
}

// MarshalJSON 使信号快照可以通过 enclave 协议传递。
func (s Signals) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// UnmarshalJSON 解析信号快照，数字保持为 json.Number 以避免精度损失。
func (s *Signals) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	values := map[string]any{}
	if err := dec.Decode(&values); err != nil {
		return err
	}
	s.values = values
	return nil
}

func parseBigInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
