// Package bundler is a JSON-RPC client for ERC-4337 bundlers.
package bundler

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/userop"
)

// Client talks to a bundler endpoint.
type Client struct {
	rpc   *gethrpc.Client
	owned bool
}

// Dial connects to the bundler at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bundler url is required")
	}
	rpc, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "dial bundler")
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

// SendUserOperation submits op and returns its user operation hash.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", op, entryPoint); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmission, err, "eth_sendUserOperation")
	}
	return hash, nil
}

// GetUserOperationReceipt returns the receipt, or nil while the operation is
// not yet included.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error) {
	var receipt *userop.Receipt
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "eth_getUserOperationReceipt")
	}
	return receipt, nil
}

// EstimateUserOperationGas asks the bundler for gas limits.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (userop.GasEstimate, error) {
	var est userop.GasEstimate
	if err := c.rpc.CallContext(ctx, &est, "eth_estimateUserOperationGas", op, entryPoint); err != nil {
		return userop.GasEstimate{}, xerrors.Wrap(xerrors.CodeSubmission, err, "eth_estimateUserOperationGas")
	}
	return est, nil
}

// SupportedEntryPoints lists the entry points the bundler accepts.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var eps []common.Address
	if err := c.rpc.CallContext(ctx, &eps, "eth_supportedEntryPoints"); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "eth_supportedEntryPoints")
	}
	return eps, nil
}

// EnsureEntryPoint fails when the bundler does not serve entryPoint.
func (c *Client) EnsureEntryPoint(ctx context.Context, entryPoint common.Address) error {
	eps, err := c.SupportedEntryPoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if ep == entryPoint {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeSubmission, fmt.Sprintf("bundler does not support entry point %s", entryPoint.Hex()))
}
