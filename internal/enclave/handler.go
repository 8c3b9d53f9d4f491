package enclave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/proofs"
	"ZKGuard-Chain/pkg/logger"
)

// Handler 解析并分发协议消息。鉴权由网络与进程隔离负责。
type Handler struct {
	store        PolicyStore
	engine       *policy.Engine
	orchestrator *Orchestrator
	sessions     *SessionKeyStore
	signer       *Signer
	now          func() time.Time
	logger       *slog.Logger
}

// NewHandler 组装协议处理器。
func NewHandler(store PolicyStore, engine *policy.Engine, orchestrator *Orchestrator, sessions *SessionKeyStore, signer *Signer) *Handler {
	return &Handler{
		store:        store,
		engine:       engine,
		orchestrator: orchestrator,
		sessions:     sessions,
		signer:       signer,
		now:          time.Now,
		logger:       logger.Named("enclave.protocol"),
	}
}

// HandleLine 处理一条完整消息，始终返回响应。
func (h *Handler) HandleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return failure(Request{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed message"))
	}
	return h.Handle(ctx, req)
}

// Handle 按消息类型分发。
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	var (
		resp Response
		err  error
	)
	switch req.Type {
	case MsgPing:
		resp = Response{Success: boolPtr(true), Message: "pong", Timestamp: h.now().Unix()}
	case MsgHealthCheck:
		resp, err = h.healthCheck(ctx)
	case MsgStorePolicyConfig:
		resp, err = h.storePolicyConfig(ctx, req)
	case MsgGenerateProof:
		resp, err = h.generateProof(ctx, req)
	case MsgGetPolicyConfig:
		resp, err = h.getPolicyConfig(ctx, req)
	case MsgProvisionSessionKey:
		resp, err = h.provisionSessionKey(req)
	case MsgSignUserOperation:
		resp, err = h.signUserOperation(ctx, req)
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown message type %q", req.Type))
	}
	if err != nil {
		h.logger.Warn("协议请求失败",
			slog.String("type", string(req.Type)),
			slog.String("request_id", req.RequestID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return failure(req, err)
	}
	resp.Type = req.Type
	resp.RequestID = req.RequestID
	return resp
}

func failure(req Request, err error) Response {
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
		if cause := e.Unwrap(); cause != nil {
			message = fmt.Sprintf("%s: %v", message, cause)
		}
	}
	return Response{
		Type:      req.Type,
		RequestID: req.RequestID,
		Success:   boolPtr(false),
		Error:     message,
		Code:      string(xerrors.CodeOf(err)),
	}
}

func (h *Handler) healthCheck(ctx context.Context) (Response, error) {
	count, err := h.store.Count(ctx)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: "ok", Timestamp: h.now().Unix(), PolicyCount: &count}, nil
}

func requireKey(req Request) error {
	if strings.TrimSpace(req.UserAddress) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "userAddress is required")
	}
	if strings.TrimSpace(req.InstallationID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "installationId is required")
	}
	return nil
}

func (h *Handler) storePolicyConfig(ctx context.Context, req Request) (Response, error) {
	if err := requireKey(req); err != nil {
		return Response{}, err
	}
	set, err := policy.ParsePolicySet(req.PolicyConfig)
	if err != nil {
		return Response{}, xerrors.Wrap(xerrors.CodeValidation, err, "policyConfig is malformed")
	}
	if err := h.engine.Validate(set.Policies); err != nil {
		return Response{}, err
	}
	if _, err := h.store.Store(ctx, req.UserAddress, req.InstallationID, req.PolicyConfig); err != nil {
		return Response{}, err
	}
	logger.AuditEvent("enclave.protocol", "policy_config_stored",
		slog.String("key", StoreKey(req.UserAddress, req.InstallationID)),
		slog.Int("policies", len(set.Policies)))
	return Response{Success: boolPtr(true), Message: "policy configuration stored"}, nil
}

func (h *Handler) generateProof(ctx context.Context, req Request) (Response, error) {
	if err := requireKey(req); err != nil {
		return Response{}, err
	}
	if req.TxData == nil {
		return Response{}, xerrors.New(xerrors.CodeInvalidArgument, "txData is required")
	}
	proof, err := h.orchestrator.GenerateProof(ctx, req.UserAddress, req.InstallationID, *req.TxData)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Success: boolPtr(true),
		Proof:   "0x" + fmt.Sprintf("%x", proof.Data),
		PublicInputs: &PublicInputsPayload{
			PolicySatisfied: proof.PublicInputs.PolicySatisfied,
			Nullifier:       proofs.FieldHex(proof.PublicInputs.Nullifier),
			UserAddressHash: proofs.FieldHex(proof.PublicInputs.UserAddressHash),
		},
	}, nil
}

func (h *Handler) getPolicyConfig(ctx context.Context, req Request) (Response, error) {
	if err := requireKey(req); err != nil {
		return Response{}, err
	}
	stored, ok, err := h.store.Get(ctx, req.UserAddress, req.InstallationID)
	if err != nil {
		return Response{}, err
	}
	if !ok {
		return Response{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no policy configuration for %s", StoreKey(req.UserAddress, req.InstallationID)))
	}
	return Response{Success: boolPtr(true), PolicyConfig: &stored}, nil
}

func (h *Handler) provisionSessionKey(req Request) (Response, error) {
	if req.SessionKey == nil {
		return Response{}, xerrors.New(xerrors.CodeInvalidArgument, "sessionKey is required")
	}
	info, err := h.sessions.Provision(*req.SessionKey)
	if err != nil {
		return Response{}, err
	}
	logger.AuditEvent("enclave.protocol", "session_key_provisioned",
		slog.String("session_account_id", info.SessionAccountID),
		slog.String("signer", info.SignerAddress.Hex()))
	return Response{Success: boolPtr(true), Message: "session key provisioned", SessionKey: &info}, nil
}

func (h *Handler) signUserOperation(ctx context.Context, req Request) (Response, error) {
	if req.Sign == nil {
		return Response{}, xerrors.New(xerrors.CodeInvalidArgument, "sign is required")
	}
	result, err := h.signer.SignUserOperation(ctx, *req.Sign)
	if err != nil {
		return Response{}, err
	}
	return Response{Success: boolPtr(true), Signature: &result}, nil
}
