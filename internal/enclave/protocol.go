package enclave

import (
	"encoding/json"

	"ZKGuard-Chain/internal/proofs"
)

// MessageType 是协议消息的类型标识。
type MessageType string

const (
	MsgPing                MessageType = "PING"
	MsgHealthCheck         MessageType = "HEALTH_CHECK"
	MsgStorePolicyConfig   MessageType = "STORE_POLICY_CONFIG"
	MsgGenerateProof       MessageType = "GENERATE_PROOF"
	MsgGetPolicyConfig     MessageType = "GET_POLICY_CONFIG"
	MsgProvisionSessionKey MessageType = "PROVISION_SESSION_KEY"
	MsgSignUserOperation   MessageType = "SIGN_USER_OPERATION"
)

// Request 是一行协议请求。
type Request struct {
	Type           MessageType       `json:"type"`
	RequestID      string            `json:"requestId,omitempty"`
	UserAddress    string            `json:"userAddress,omitempty"`
	InstallationID string            `json:"installationId,omitempty"`
	PolicyConfig   json.RawMessage   `json:"policyConfig,omitempty"`
	TxData         *proofs.Request   `json:"txData,omitempty"`
	SessionKey     *ProvisionRequest `json:"sessionKey,omitempty"`
	Sign           *SignRequest      `json:"sign,omitempty"`
}

// PublicInputsPayload 是证明公开输出的线上表示，哈希为 0x 前缀的 32 字节。
type PublicInputsPayload struct {
	PolicySatisfied bool   `json:"policySatisfied"`
	Nullifier       string `json:"nullifier"`
	UserAddressHash string `json:"userAddressHash"`
}

// Response 是一行协议响应。除 HEALTH_CHECK 外均携带 success。
type Response struct {
	Type      MessageType `json:"type,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Success   *bool       `json:"success,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`

	Status      string `json:"status,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	PolicyCount *int   `json:"policyCount,omitempty"`

	Proof        string               `json:"proof,omitempty"`
	PublicInputs *PublicInputsPayload `json:"publicInputs,omitempty"`

	PolicyConfig *StoredPolicyConfig `json:"policyConfig,omitempty"`
	SessionKey   *SessionKeyInfo     `json:"sessionKey,omitempty"`
	Signature    *SignResult         `json:"signature,omitempty"`
}

// OK 判断响应是否成功。HEALTH_CHECK 没有 success 字段，以 status 判断。
func (r Response) OK() bool {
	if r.Success != nil {
		return *r.Success
	}
	return r.Status == "ok"
}

func boolPtr(b bool) *bool { return &b }
