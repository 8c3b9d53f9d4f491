package proofs

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// DefaultDecimals 是未配置默认精度时的整币换算精度。
const DefaultDecimals = 18

// maxWholeAmount 是电路整数的位宽上限 2^64-1。
var maxWholeAmount = new(big.Int).SetUint64(^uint64(0))

// Request 是 GENERATE_PROOF 的交易数据。
type Request struct {
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
	Timestamp   int64  `json:"timestamp"`
	UserAddress string `json:"userAddress"`
}

// ParsedRequest 是校验后的证明请求。
type ParsedRequest struct {
	Amount      *big.Int
	Recipient   common.Address
	Timestamp   int64
	UserAddress common.Address
}

// Parse 校验请求格式，错误归类为 PROOF_INPUT_INVALID。
func (r Request) Parse() (ParsedRequest, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(r.Amount), 10)
	if !ok || amount.Sign() < 0 {
		return ParsedRequest{}, xerrors.New(xerrors.CodeProofInputInvalid, fmt.Sprintf("amount must be a non-negative base-unit integer, got %q", r.Amount))
	}
	if !common.IsHexAddress(r.Recipient) {
		return ParsedRequest{}, xerrors.New(xerrors.CodeProofInputInvalid, fmt.Sprintf("invalid recipient %q", r.Recipient))
	}
	if !common.IsHexAddress(r.UserAddress) {
		return ParsedRequest{}, xerrors.New(xerrors.CodeProofInputInvalid, fmt.Sprintf("invalid user address %q", r.UserAddress))
	}
	if r.Timestamp <= 0 {
		return ParsedRequest{}, xerrors.New(xerrors.CodeProofInputInvalid, "timestamp must be positive unix seconds")
	}
	return ParsedRequest{
		Amount:      amount,
		Recipient:   common.HexToAddress(r.Recipient),
		Timestamp:   r.Timestamp,
		UserAddress: common.HexToAddress(r.UserAddress),
	}, nil
}

// CircuitInputs 是电路的全部输入，JSON 字段名与电路保持一致。
type CircuitInputs struct {
	TxAmount         *big.Int    `json:"tx_amount"`
	TxRecipient      *big.Int    `json:"tx_recipient"`
	TxTimestamp      *big.Int    `json:"tx_timestamp"`
	MaxAmount        *big.Int    `json:"max_amount"`
	AllowedStartHour *big.Int    `json:"allowed_start_hour"`
	AllowedEndHour   *big.Int    `json:"allowed_end_hour"`
	EnableMaxAmount  bool        `json:"enable_max_amount"`
	EnableTimeWindow bool        `json:"enable_time_window"`
	EnableWhitelist  bool        `json:"enable_whitelist"`
	WhitelistRoot    *big.Int    `json:"whitelist_root"`
	WhitelistPath    [2]*big.Int `json:"whitelist_path"`
	WhitelistIndex   *big.Int    `json:"whitelist_index"`
	PolicySatisfied  *big.Int    `json:"policy_satisfied"`
	Nullifier        *big.Int    `json:"nullifier"`
	UserAddressHash  *big.Int    `json:"user_address_hash"`
}

// Public 返回电路公开输出。
func (c *CircuitInputs) Public() PublicInputs {
	return PublicInputs{
		PolicySatisfied: c.PolicySatisfied != nil && c.PolicySatisfied.Cmp(big.NewInt(1)) == 0,
		Nullifier:       new(big.Int).Set(c.Nullifier),
		UserAddressHash: new(big.Int).Set(c.UserAddressHash),
	}
}

// Encode 以十进制字符串形式输出输入，供外部证明程序读取。
func (c *CircuitInputs) Encode() map[string]any {
	str := func(v *big.Int) string {
		if v == nil {
			return "0"
		}
		return v.String()
	}
	flag := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	return map[string]any{
		"tx_amount":          str(c.TxAmount),
		"tx_recipient":       str(c.TxRecipient),
		"tx_timestamp":       str(c.TxTimestamp),
		"max_amount":         str(c.MaxAmount),
		"allowed_start_hour": str(c.AllowedStartHour),
		"allowed_end_hour":   str(c.AllowedEndHour),
		"enable_max_amount":  flag(c.EnableMaxAmount),
		"enable_time_window": flag(c.EnableTimeWindow),
		"enable_whitelist":   flag(c.EnableWhitelist),
		"whitelist_root":     str(c.WhitelistRoot),
		"whitelist_path":     []string{str(c.WhitelistPath[0]), str(c.WhitelistPath[1])},
		"whitelist_index":    str(c.WhitelistIndex),
		"policy_satisfied":   str(c.PolicySatisfied),
		"nullifier":          str(c.Nullifier),
		"user_address_hash":  str(c.UserAddressHash),
	}
}

// fields 按固定顺序列出全部域元素，用于见证编码。
func (c *CircuitInputs) fields() []*big.Int {
	flag := func(b bool) *big.Int {
		if b {
			return big.NewInt(1)
		}
		return new(big.Int)
	}
	return []*big.Int{
		c.TxAmount, c.TxRecipient, c.TxTimestamp,
		c.MaxAmount, c.AllowedStartHour, c.AllowedEndHour,
		flag(c.EnableMaxAmount), flag(c.EnableTimeWindow), flag(c.EnableWhitelist),
		c.WhitelistRoot, c.WhitelistPath[0], c.WhitelistPath[1], c.WhitelistIndex,
		c.PolicySatisfied, c.Nullifier, c.UserAddressHash,
	}
}

// ToWholeUnits 将最小单位金额按 10^decimals 向下取整为整币数量。
func ToWholeUnits(amount *big.Int, decimals int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Quo(amount, policy.UnitFactor(decimals))
}

// AssembleInputs 组装电路输入。交易金额与额度上限使用同一单位因子换算为整币，
// 配置未给出精度时使用 defaultDecimals。userAddressHash 与 nullifier 在证明步骤之外计算。
func AssembleInputs(cfg policy.CircuitConfig, req ParsedRequest, defaultDecimals int) (*CircuitInputs, error) {
	decimals := defaultDecimals
	if cfg.Decimals != nil {
		decimals = *cfg.Decimals
	}
	if decimals < 0 || decimals > policy.MaxDecimals {
		return nil, xerrors.New(xerrors.CodeProofInputInvalid, fmt.Sprintf("decimals %d out of range", decimals))
	}

	wholeAmount := ToWholeUnits(req.Amount, decimals)
	if wholeAmount.Cmp(maxWholeAmount) > 0 {
		return nil, xerrors.New(xerrors.CodeProofInputInvalid, "amount exceeds circuit integer width")
	}
	maxAmount := new(big.Int)
	if cfg.EnableMaxAmount {
		if cfg.MaxAmount == nil {
			return nil, xerrors.New(xerrors.CodeProofInputInvalid, "max amount enabled without a limit")
		}
		maxAmount = ToWholeUnits(cfg.MaxAmount, decimals)
		if maxAmount.Cmp(maxWholeAmount) > 0 {
			return nil, xerrors.New(xerrors.CodeProofInputInvalid, "max amount exceeds circuit integer width")
		}
	}

	startHour, endHour := 0, 24
	if cfg.EnableTimeWindow {
		startHour, endHour = cfg.StartHour, cfg.EndHour
	}

	root := new(big.Int)
	path := [2]*big.Int{new(big.Int), new(big.Int)}
	index := uint8(0)
	if cfg.EnableWhitelist {
		if cfg.WhitelistRoot == nil || cfg.WhitelistPath[0] == nil || cfg.WhitelistPath[1] == nil {
			return nil, xerrors.New(xerrors.CodeProofInputInvalid, "whitelist enabled without a membership path")
		}
		root = new(big.Int).Set(cfg.WhitelistRoot)
		path = [2]*big.Int{new(big.Int).Set(cfg.WhitelistPath[0]), new(big.Int).Set(cfg.WhitelistPath[1])}
		index = cfg.WhitelistIndex
	}

	userHash := UserAddressHash(req.UserAddress)
	nullifier, err := Nullifier(req.Timestamp, req.Recipient, wholeAmount, userHash)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProofInputInvalid, err, "derive nullifier")
	}

	return &CircuitInputs{
		TxAmount:         wholeAmount,
		TxRecipient:      AddressToField(req.Recipient),
		TxTimestamp:      big.NewInt(req.Timestamp),
		MaxAmount:        maxAmount,
		AllowedStartHour: big.NewInt(int64(startHour)),
		AllowedEndHour:   big.NewInt(int64(endHour)),
		EnableMaxAmount:  cfg.EnableMaxAmount,
		EnableTimeWindow: cfg.EnableTimeWindow,
		EnableWhitelist:  cfg.EnableWhitelist,
		WhitelistRoot:    root,
		WhitelistPath:    path,
		WhitelistIndex:   big.NewInt(int64(index)),
		PolicySatisfied:  big.NewInt(1),
		Nullifier:        nullifier,
		UserAddressHash:  userHash,
	}, nil
}
