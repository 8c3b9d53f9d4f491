package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"ZKGuard-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend is the subset of node access the client relies on. ethclient and
// the simulated backend both satisfy it.
type Backend interface {
	gethcore.ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   Backend

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}, nil
}

// NewClientWithBackend wraps an existing backend, typically the simulated
// backend in tests.
func NewClientWithBackend(name string, backend Backend) *Client {
	return &Client{name: name, backend: backend, notes: "custom backend"}
}

// RPC exposes the raw RPC connection, nil for custom backends.
func (c *Client) RPC() *gethrpc.Client {
	return c.rpcClient
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
	c.backend = nil
}

func (c *Client) access() (Backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	return c.backend, nil
}

// ChainID returns the chain id, cached after the first successful query.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	backend, err := c.access()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.access()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// SuggestGasPrice returns the node's current gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	backend, err := c.access()
	if err != nil {
		return nil, err
	}
	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	return price, nil
}

// CallContract executes a read-only call.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	backend, err := c.access()
	if err != nil {
		return nil, err
	}
	return backend.CallContract(ctx, msg, blockNumber)
}

// CodeAt returns the deployed code of an account.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	backend, err := c.access()
	if err != nil {
		return nil, err
	}
	code, err := backend.CodeAt(ctx, account, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("查询合约代码失败: %w", err)
	}
	return code, nil
}

const entryPointNonceABI = `[{"type":"function","name":"getNonce","stateMutability":"view",
	"inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	"outputs":[{"name":"nonce","type":"uint256"}]}]`

var entryPointABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(entryPointNonceABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EntryPointNonce reads the next user operation nonce of sender from the
// entry point.
func EntryPointNonce(ctx context.Context, caller gethcore.ContractCaller, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = new(big.Int)
	}
	data, err := entryPointABI.Pack("getNonce", sender, key)
	if err != nil {
		return nil, err
	}
	out, err := caller.CallContract(ctx, gethcore.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("读取 entry point nonce 失败: %w", err)
	}
	values, err := entryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("解析 entry point nonce 失败: %w", err)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("entry point nonce 类型错误")
	}
	return nonce, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
