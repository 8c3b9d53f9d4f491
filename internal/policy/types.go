package policy

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// WildcardAdapter 表示对所有适配器生效的策略作用域。
const WildcardAdapter = "*"

// TransactionIntent 是适配器针对一次执行提出的交易意图，生成后不可修改。
type TransactionIntent struct {
	Target       common.Address  `json:"target"`
	Value        *big.Int        `json:"value,omitempty"`
	CallData     hexutil.Bytes   `json:"callData,omitempty"`
	Description  string          `json:"description,omitempty"`
	TokenAddress *common.Address `json:"tokenAddress,omitempty"`
	TokenAmount  *big.Int        `json:"tokenAmount,omitempty"`
	Recipient    *common.Address `json:"recipient,omitempty"`
}

// Amount 返回用于额度判断的金额：优先使用代币数量，否则使用原生币数量。
func (t *TransactionIntent) Amount() *big.Int {
	if t == nil {
		return nil
	}
	if t.TokenAmount != nil {
		return t.TokenAmount
	}
	return t.Value
}

// RecipientAddress 返回收款地址，未显式给出时退化为调用目标。
func (t *TransactionIntent) RecipientAddress() (common.Address, bool) {
	if t == nil {
		return common.Address{}, false
	}
	if t.Recipient != nil {
		return *t.Recipient, true
	}
	if t.Target != (common.Address{}) {
		return t.Target, true
	}
	return common.Address{}, false
}

// Context 是单次评估的输入，每次评估都重新构造，评估期间不会被修改。
type Context struct {
	UserAddress       common.Address
	AdapterID         string
	Transaction       *TransactionIntent
	Signals           Signals
	Timestamp         time.Time
	LastExecutionTime *time.Time
}

// Decision 记录单条规则的判定结果。
type Decision struct {
	PolicyType string         `json:"policyType"`
	PolicyName string         `json:"policyName"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Allow 构造放行结果。
func Allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

// Block 构造拦截结果。
func Block(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// WithMetadata 返回附加了元数据的副本。
func (d Decision) WithMetadata(key string, value any) Decision {
	meta := make(map[string]any, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta[key] = value
	d.Metadata = meta
	return d
}

// EvaluationResult 汇总一次评估。Allowed 为 false 当且仅当某条决策被拦截，
// 且评估在该决策处停止。
type EvaluationResult struct {
	Allowed        bool       `json:"allowed"`
	Decisions      []Decision `json:"decisions"`
	BlockingPolicy string     `json:"blockingPolicy,omitempty"`
	BlockingReason string     `json:"blockingReason,omitempty"`
}

// Policy 是用户安装的一条策略。
type Policy struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	AdapterID string          `json:"adapterId,omitempty"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// AppliesTo 判断策略是否作用于指定适配器。
func (p Policy) AppliesTo(adapterID string) bool {
	scope := strings.TrimSpace(p.AdapterID)
	return scope == "" || scope == WildcardAdapter || strings.EqualFold(scope, adapterID)
}

// DisplayName 返回策略名称，缺省时使用规则名。
func (p Policy) DisplayName(rule Rule) string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	if rule != nil {
		return rule.Name()
	}
	return p.Type
}

// PolicySet 是 enclave 中按 (用户, 安装) 存储的策略配置。
type PolicySet struct {
	Policies []Policy `json:"policies"`
}

// ParsePolicySet 解析 STORE_POLICY_CONFIG 携带的策略配置。
func ParsePolicySet(raw json.RawMessage) (PolicySet, error) {
	var set PolicySet
	if len(raw) == 0 {
		return set, nil
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		return PolicySet{}, err
	}
	return set, nil
}
