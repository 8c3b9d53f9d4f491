// Package paymaster is a JSON-RPC client for sponsoring paymasters.
package paymaster

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/userop"
)

// Sponsorship is the paymaster's answer to pm_sponsorUserOperation.
type Sponsorship struct {
	PaymasterAndData     hexutil.Bytes `json:"paymasterAndData"`
	PreVerificationGas   *hexutil.Big  `json:"preVerificationGas,omitempty"`
	VerificationGasLimit *hexutil.Big  `json:"verificationGasLimit,omitempty"`
	CallGasLimit         *hexutil.Big  `json:"callGasLimit,omitempty"`
}

// Apply writes the sponsorship onto op.
func (s Sponsorship) Apply(op *userop.UserOperation) {
	op.PaymasterAndData = append([]byte(nil), s.PaymasterAndData...)
	userop.GasEstimate{
		PreVerificationGas:   s.PreVerificationGas,
		VerificationGasLimit: s.VerificationGasLimit,
		CallGasLimit:         s.CallGasLimit,
	}.Apply(op)
}

// Client talks to a paymaster endpoint.
type Client struct {
	rpc   *gethrpc.Client
	owned bool
}

// Dial connects to the paymaster at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "paymaster url is required")
	}
	rpc, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "dial paymaster")
	}
	return &Client{rpc: rpc, owned: true}, nil
}

// NewClient wraps an existing RPC connection. The caller keeps ownership.
func NewClient(rpc *gethrpc.Client) *Client {
	return &Client{rpc: rpc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() {
	if c.owned {
		c.rpc.Close()
	}
}

// SponsorUserOperation requests sponsorship for op. policyContext is passed
// through to the paymaster and may be nil.
func (c *Client) SponsorUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address, policyContext map[string]any) (Sponsorship, error) {
	args := []any{op, entryPoint}
	if policyContext != nil {
		args = append(args, policyContext)
	}
	var out Sponsorship
	if err := c.rpc.CallContext(ctx, &out, "pm_sponsorUserOperation", args...); err != nil {
		return Sponsorship{}, xerrors.Wrap(xerrors.CodeSubmission, err, "pm_sponsorUserOperation")
	}
	return out, nil
}
