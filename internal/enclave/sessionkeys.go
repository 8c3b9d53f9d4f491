package enclave

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ZKGuard-Chain/internal/errors"
)

// ProvisionRequest 描述一次会话密钥的开通。PrivateKey 为空时由 enclave 生成。
type ProvisionRequest struct {
	SessionAccountID    string          `json:"sessionAccountId"`
	PrivateKey          string          `json:"privateKey,omitempty"`
	SmartAccountAddress string          `json:"smartAccountAddress"`
	DeployParams        json.RawMessage `json:"deployParams,omitempty"`
}

// SessionKeyInfo 是可以离开 enclave 的会话密钥信息，不包含私钥。
type SessionKeyInfo struct {
	SessionAccountID    string          `json:"sessionAccountId"`
	SignerAddress       common.Address  `json:"signerAddress"`
	SmartAccountAddress common.Address  `json:"smartAccountAddress"`
	DeployParams        json.RawMessage `json:"deployParams,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

type sessionKey struct {
	info SessionKeyInfo
	key  *ecdsa.PrivateKey
}

// SessionKeyStore 保存会话签名密钥。同一 sessionAccountId 只能开通一次。
type SessionKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*sessionKey
	now  func() time.Time
}

// NewSessionKeyStore 创建空的会话密钥存储。
func NewSessionKeyStore() *SessionKeyStore {
	return &SessionKeyStore{keys: make(map[string]*sessionKey), now: time.Now}
}

// Provision 开通会话密钥，重复开通返回 SESSION_KEY_EXISTS。
func (s *SessionKeyStore) Provision(req ProvisionRequest) (SessionKeyInfo, error) {
	id := strings.TrimSpace(req.SessionAccountID)
	if id == "" {
		return SessionKeyInfo{}, xerrors.New(xerrors.CodeInvalidArgument, "sessionAccountId is required")
	}
	if !common.IsHexAddress(req.SmartAccountAddress) {
		return SessionKeyInfo{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid smart account address %q", req.SmartAccountAddress))
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if raw := strings.TrimPrefix(strings.TrimSpace(req.PrivateKey), "0x"); raw != "" {
		key, err = crypto.HexToECDSA(raw)
		if err != nil {
			return SessionKeyInfo{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid session private key")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[id]; exists {
		return SessionKeyInfo{}, xerrors.New(xerrors.CodeSessionKeyExists, fmt.Sprintf("session key %s already provisioned", id))
	}
	if key == nil {
		key, err = crypto.GenerateKey()
		if err != nil {
			return SessionKeyInfo{}, xerrors.Wrap(xerrors.CodeUnknown, err, "generate session key")
		}
	}
	info := SessionKeyInfo{
		SessionAccountID:    id,
		SignerAddress:       crypto.PubkeyToAddress(key.PublicKey),
		SmartAccountAddress: common.HexToAddress(req.SmartAccountAddress),
		DeployParams:        append(json.RawMessage(nil), req.DeployParams...),
		CreatedAt:           s.now().UTC(),
	}
	s.keys[id] = &sessionKey{info: info, key: key}
	return info, nil
}

// Info 返回会话密钥的公开信息。
func (s *SessionKeyStore) Info(sessionAccountID string) (SessionKeyInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[strings.TrimSpace(sessionAccountID)]
	if !ok {
		return SessionKeyInfo{}, false
	}
	return k.info, true
}

// Count 返回已开通的会话密钥数量。
func (s *SessionKeyStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// sign 使用会话密钥按 EIP-191 对摘要签名，v 取 27/28。
func (s *SessionKeyStore) sign(sessionAccountID string, digest common.Hash) ([]byte, SessionKeyInfo, error) {
	s.mu.RLock()
	k, ok := s.keys[strings.TrimSpace(sessionAccountID)]
	s.mu.RUnlock()
	if !ok {
		return nil, SessionKeyInfo{}, xerrors.New(xerrors.CodeSessionKeyNotFound, fmt.Sprintf("session key %s not provisioned", sessionAccountID))
	}
	sig, err := SignPersonal(k.key, digest)
	if err != nil {
		return nil, SessionKeyInfo{}, err
	}
	return sig, k.info, nil
}

// SignPersonal 对 32 字节摘要做 personal_sign 签名。
func SignPersonal(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(personalHash(digest), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign user operation")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverPersonal 从 personal_sign 签名恢复签名地址。
func RecoverPersonal(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(personalHash(digest), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func personalHash(digest common.Hash) []byte {
	return accounts.TextHash(digest.Bytes())
}
