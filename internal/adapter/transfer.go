package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

const erc20TransferABI = `[{"type":"function","name":"transfer","stateMutability":"nonpayable",
	"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	"outputs":[{"name":"","type":"bool"}]}]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(fmt.Sprintf("adapter: parse erc20 abi: %v", err))
	}
	return parsed
}()

// EncodeERC20Transfer builds transfer(to, amount) calldata.
func EncodeERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// transferConfig is shared by the transfer adapters. Amount is in base units.
type transferConfig struct {
	Token           string `json:"token,omitempty"`
	Recipient       string `json:"recipient"`
	Amount          string `json:"amount"`
	IntervalSeconds int64  `json:"intervalSeconds"`
}

type parsedTransfer struct {
	token     common.Address
	recipient common.Address
	amount    *big.Int
	interval  time.Duration
}

func decodeTransfer(cfg json.RawMessage, needToken bool) (parsedTransfer, error) {
	var c transferConfig
	dec := json.NewDecoder(bytes.NewReader(cfg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return parsedTransfer{}, xerrors.Validation("config", fmt.Sprintf("decode config: %v", err))
	}
	var out parsedTransfer
	if needToken {
		if !common.IsHexAddress(c.Token) {
			return parsedTransfer{}, xerrors.Validation("token", "token must be a hex address")
		}
		out.token = common.HexToAddress(c.Token)
	} else if c.Token != "" {
		return parsedTransfer{}, xerrors.Validation("token", "native transfers take no token")
	}
	if !common.IsHexAddress(c.Recipient) {
		return parsedTransfer{}, xerrors.Validation("recipient", "recipient must be a hex address")
	}
	out.recipient = common.HexToAddress(c.Recipient)
	if out.recipient == (common.Address{}) {
		return parsedTransfer{}, xerrors.Validation("recipient", "recipient cannot be the zero address")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(c.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return parsedTransfer{}, xerrors.Validation("amount", "amount must be a positive integer in base units")
	}
	out.amount = amount
	if c.IntervalSeconds < 0 {
		return parsedTransfer{}, xerrors.Validation("intervalSeconds", "interval cannot be negative")
	}
	out.interval = time.Duration(c.IntervalSeconds) * time.Second
	return out, nil
}

func due(pctx ProposalContext, interval time.Duration) bool {
	if pctx.LastExecutionTime == nil || interval == 0 {
		return true
	}
	return !pctx.Now.Before(pctx.LastExecutionTime.Add(interval))
}

// ERC20Transfer sends a fixed token amount to a recipient on a schedule.
type ERC20Transfer struct{}

func NewERC20Transfer() *ERC20Transfer { return &ERC20Transfer{} }

func (*ERC20Transfer) ID() string { return "erc20-transfer" }

func (*ERC20Transfer) Description() string {
	return "recurring transfer of a fixed ERC-20 amount to one recipient"
}

func (*ERC20Transfer) RequiredPermissions() []Permission {
	return []Permission{PermissionERC20Transfer}
}

func (*ERC20Transfer) ValidateConfig(cfg json.RawMessage) error {
	_, err := decodeTransfer(cfg, true)
	return err
}

func (a *ERC20Transfer) ProposeTransaction(_ context.Context, pctx ProposalContext) (*policy.TransactionIntent, error) {
	c, err := decodeTransfer(pctx.Config, true)
	if err != nil {
		return nil, err
	}
	if !due(pctx, c.interval) {
		return nil, nil
	}
	data, err := EncodeERC20Transfer(c.recipient, c.amount)
	if err != nil {
		return nil, err
	}
	token, recipient := c.token, c.recipient
	return &policy.TransactionIntent{
		Target:       token,
		Value:        new(big.Int),
		CallData:     data,
		Description:  fmt.Sprintf("transfer %s of %s to %s", c.amount, token.Hex(), recipient.Hex()),
		TokenAddress: &token,
		TokenAmount:  new(big.Int).Set(c.amount),
		Recipient:    &recipient,
	}, nil
}

// NativeTransfer sends a fixed amount of the native currency on a schedule.
type NativeTransfer struct{}

func NewNativeTransfer() *NativeTransfer { return &NativeTransfer{} }

func (*NativeTransfer) ID() string { return "native-transfer" }

func (*NativeTransfer) Description() string {
	return "recurring transfer of a fixed native amount to one recipient"
}

func (*NativeTransfer) RequiredPermissions() []Permission {
	return []Permission{PermissionNativeTransfer}
}

func (*NativeTransfer) ValidateConfig(cfg json.RawMessage) error {
	_, err := decodeTransfer(cfg, false)
	return err
}

func (a *NativeTransfer) ProposeTransaction(_ context.Context, pctx ProposalContext) (*policy.TransactionIntent, error) {
	c, err := decodeTransfer(pctx.Config, false)
	if err != nil {
		return nil, err
	}
	if !due(pctx, c.interval) {
		return nil, nil
	}
	recipient := c.recipient
	return &policy.TransactionIntent{
		Target:      recipient,
		Value:       new(big.Int).Set(c.amount),
		Description: fmt.Sprintf("send %s wei to %s", c.amount, recipient.Hex()),
		Recipient:   &recipient,
	}, nil
}
