package enclave

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/proofs"
)

// Client 通过持久连接访问 enclave，同一时刻只有一个请求在途。
type Client struct {
	address string
	timeout time.Duration
	dial    func(ctx context.Context, address string) (net.Conn, error)

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient 创建客户端，连接在首次请求时建立。
func NewClient(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &Client{
		address: address,
		timeout: timeout,
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		},
	}
}

// NewClientWithConn 使用已有连接创建客户端，主要用于测试。
func NewClientWithConn(conn net.Conn, timeout time.Duration) *Client {
	c := NewClient("", timeout)
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.dial = func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection closed")
	}
	return c
}

// Do 发送一条请求并等待响应。连接出错时关闭连接，下次请求重新建立。
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	payload = append(payload, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx, c.address)
		if err != nil {
			return Response{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 enclave 失败")
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write(payload); err != nil {
		c.reset()
		return Response{}, c.wrapIOError(ctx, err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.reset()
		return Response{}, c.wrapIOError(ctx, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.reset()
		return Response{}, xerrors.Wrap(xerrors.CodeUnknown, err, "malformed enclave response")
	}
	if resp.RequestID != "" && resp.RequestID != req.RequestID {
		c.reset()
		return Response{}, xerrors.New(xerrors.CodeUnknown, "enclave response out of order")
	}
	return resp, nil
}

func (c *Client) wrapIOError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "enclave request cancelled")
	}
	return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "enclave connection failure")
}

func (c *Client) reset() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// Close 关闭连接。
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// remoteError 把失败响应还原为带错误码的错误。
func remoteError(resp Response) error {
	code := xerrors.Code(resp.Code)
	if code == "" {
		code = xerrors.CodeUnknown
	}
	return xerrors.New(code, resp.Error)
}

// HealthCheck 查询 enclave 状态。
func (c *Client) HealthCheck(ctx context.Context) (Response, error) {
	resp, err := c.Do(ctx, Request{Type: MsgHealthCheck})
	if err != nil {
		return Response{}, err
	}
	if !resp.OK() {
		return resp, remoteError(resp)
	}
	return resp, nil
}

// StorePolicyConfig 写入策略配置。
func (c *Client) StorePolicyConfig(ctx context.Context, userAddress, installationID string, cfg json.RawMessage) error {
	resp, err := c.Do(ctx, Request{Type: MsgStorePolicyConfig, UserAddress: userAddress, InstallationID: installationID, PolicyConfig: cfg})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return remoteError(resp)
	}
	return nil
}

// GenerateProof 请求生成证明并解析公开输出。
func (c *Client) GenerateProof(ctx context.Context, userAddress, installationID string, tx proofs.Request) (*proofs.Proof, error) {
	resp, err := c.Do(ctx, Request{Type: MsgGenerateProof, UserAddress: userAddress, InstallationID: installationID, TxData: &tx})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, remoteError(resp)
	}
	if resp.PublicInputs == nil {
		return nil, xerrors.New(xerrors.CodeProofBackend, "enclave response missing public inputs")
	}
	data, err := hexutil.Decode(resp.Proof)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProofBackend, err, "malformed proof")
	}
	nullifier, err := hexutil.Decode(resp.PublicInputs.Nullifier)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProofBackend, err, "malformed nullifier")
	}
	userHash, err := hexutil.Decode(resp.PublicInputs.UserAddressHash)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProofBackend, err, "malformed user address hash")
	}
	return &proofs.Proof{
		Data: data,
		PublicInputs: proofs.PublicInputs{
			PolicySatisfied: resp.PublicInputs.PolicySatisfied,
			Nullifier:       common.BytesToHash(nullifier).Big(),
			UserAddressHash: common.BytesToHash(userHash).Big(),
		},
	}, nil
}

// ProvisionSessionKey 开通会话密钥。
func (c *Client) ProvisionSessionKey(ctx context.Context, req ProvisionRequest) (SessionKeyInfo, error) {
	resp, err := c.Do(ctx, Request{Type: MsgProvisionSessionKey, SessionKey: &req})
	if err != nil {
		return SessionKeyInfo{}, err
	}
	if !resp.OK() {
		return SessionKeyInfo{}, remoteError(resp)
	}
	if resp.SessionKey == nil {
		return SessionKeyInfo{}, fmt.Errorf("enclave response missing session key")
	}
	return *resp.SessionKey, nil
}

// SignUserOperation 请求 enclave 复核策略并签名。
func (c *Client) SignUserOperation(ctx context.Context, req SignRequest) (SignResult, error) {
	resp, err := c.Do(ctx, Request{Type: MsgSignUserOperation, Sign: &req})
	if err != nil {
		return SignResult{}, err
	}
	if !resp.OK() {
		return SignResult{}, remoteError(resp)
	}
	if resp.Signature == nil {
		return SignResult{}, fmt.Errorf("enclave response missing signature result")
	}
	return *resp.Signature, nil
}
