package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/storage"
	"ZKGuard-Chain/internal/task"
	"ZKGuard-Chain/pkg/logger"
)

type installationRequest struct {
	ID          string          `json:"id,omitempty"`
	UserAddress string          `json:"userAddress"`
	AdapterID   string          `json:"adapterId"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

type policiesRequest struct {
	UserAddress    string          `json:"userAddress"`
	InstallationID string          `json:"installationId"`
	Policies       []policy.Policy `json:"policies"`
}

type evaluateRequest struct {
	UserAddress       string                    `json:"userAddress"`
	InstallationID    string                    `json:"installationId,omitempty"`
	AdapterID         string                    `json:"adapterId,omitempty"`
	Transaction       *policy.TransactionIntent `json:"transaction"`
	Policies          []policy.Policy           `json:"policies,omitempty"`
	Timestamp         *time.Time                `json:"timestamp,omitempty"`
	LastExecutionTime *time.Time                `json:"lastExecutionTime,omitempty"`
}

type ruleInfo struct {
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	DefaultConfig json.RawMessage `json:"defaultConfig,omitempty"`
}

type executionDetail struct {
	Job       *task.Job             `json:"job,omitempty"`
	Execution *storage.ExecutionLog `json:"execution,omitempty"`
}

func requireAddress(field, value string) error {
	if !common.IsHexAddress(strings.TrimSpace(value)) {
		return xerrors.Validation(field, fmt.Sprintf("invalid address %q", value))
	}
	return nil
}

// ownedInstallation 加载安装并确认其属于该用户。
func (s *Server) ownedInstallation(r *http.Request, userAddress, installationID string) (*storage.Installation, error) {
	inst, err := s.deps.Records.GetInstallation(r.Context(), installationID)
	if err != nil {
		return nil, err
	}
	if storage.NormalizeAddress(inst.UserAddress) != storage.NormalizeAddress(userAddress) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("installation %s not found for user", installationID))
	}
	return inst, nil
}

func (s *Server) handleCreateInstallation(w http.ResponseWriter, r *http.Request) {
	var req installationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAddress("userAddress", req.UserAddress); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Adapters != nil {
		if err := s.deps.Adapters.ValidateConfig(req.AdapterID, req.Config); err != nil {
			writeError(w, err)
			return
		}
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	inst := &storage.Installation{
		ID:          strings.TrimSpace(req.ID),
		UserAddress: req.UserAddress,
		AdapterID:   req.AdapterID,
		Config:      req.Config,
		Enabled:     enabled,
	}
	if inst.ID != "" {
		existing, err := s.deps.Records.GetInstallation(r.Context(), inst.ID)
		switch {
		case err == nil && storage.NormalizeAddress(existing.UserAddress) != storage.NormalizeAddress(req.UserAddress):
			writeError(w, xerrors.New(xerrors.CodeConflict, "installation id belongs to another user"))
			return
		case err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound):
			writeError(w, err)
			return
		}
	}
	if err := s.deps.Records.SaveInstallation(r.Context(), inst); err != nil {
		writeError(w, err)
		return
	}
	logger.AuditEvent("api", "installation_saved",
		slog.String("installation_id", inst.ID),
		slog.String("user_address", inst.UserAddress),
		slog.String("adapter_id", inst.AdapterID),
		slog.Bool("enabled", inst.Enabled))
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if err := requireAddress("user", user); err != nil {
		writeError(w, err)
		return
	}
	items, err := s.deps.Records.ListInstallations(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleInstallPolicies 校验策略集合，推送到 enclave 后再落库。
func (s *Server) handleInstallPolicies(w http.ResponseWriter, r *http.Request) {
	var req policiesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAddress("userAddress", req.UserAddress); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedInstallation(r, req.UserAddress, req.InstallationID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.Validate(req.Policies); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Enclave != nil {
		set, err := json.Marshal(policy.PolicySet{Policies: req.Policies})
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略集合失败"))
			return
		}
		if err := s.deps.Enclave.StorePolicyConfig(r.Context(), req.UserAddress, req.InstallationID, set); err != nil {
			s.logger.Error("推送策略到 enclave 失败", slog.String("installation_id", req.InstallationID), slog.Any("error", err))
			writeError(w, err)
			return
		}
	}
	record := &storage.PolicyRecord{
		UserAddress:    req.UserAddress,
		InstallationID: req.InstallationID,
		Policies:       req.Policies,
	}
	if err := s.deps.Records.SavePolicies(r.Context(), record); err != nil {
		writeError(w, err)
		return
	}
	logger.AuditEvent("api", "policies_installed",
		slog.String("installation_id", record.InstallationID),
		slog.String("user_address", record.UserAddress),
		slog.Int("policies", len(record.Policies)))
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if err := requireAddress("user", user); err != nil {
		writeError(w, err)
		return
	}
	records, err := s.deps.Records.ListPolicies(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleEvaluate 以实时信号试算策略，不产生任何副作用。
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAddress("userAddress", req.UserAddress); err != nil {
		writeError(w, err)
		return
	}
	if req.Transaction == nil {
		writeError(w, xerrors.Validation("transaction", "transaction is required"))
		return
	}

	ctx := r.Context()
	adapterID := req.AdapterID
	policies := req.Policies
	lastExecution := req.LastExecutionTime
	if id := strings.TrimSpace(req.InstallationID); id != "" {
		inst, err := s.ownedInstallation(r, req.UserAddress, id)
		if err != nil {
			writeError(w, err)
			return
		}
		if adapterID == "" {
			adapterID = inst.AdapterID
		}
		if policies == nil {
			record, err := s.deps.Records.GetPolicies(ctx, req.UserAddress, id)
			switch {
			case err == nil:
				policies = record.Policies
			case !xerrors.HasCode(err, xerrors.CodeNotFound):
				writeError(w, err)
				return
			}
		}
		if lastExecution == nil {
			last, ok, err := s.deps.Records.LastSuccessfulExecution(ctx, req.UserAddress, id)
			if err != nil {
				writeError(w, err)
				return
			}
			if ok {
				lastExecution = &last
			}
		}
	}

	ts := s.now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	var signals policy.Signals
	if s.deps.Signals != nil {
		signals = s.deps.Signals.Collect(ctx)
	}
	result := s.deps.Engine.Evaluate(ctx, policy.Context{
		UserAddress:       common.HexToAddress(req.UserAddress),
		AdapterID:         adapterID,
		Transaction:       req.Transaction,
		Signals:           signals,
		Timestamp:         ts,
		LastExecutionTime: lastExecution,
	}, policies)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行队列未初始化"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleExecutionDetail 先按任务 ID 查询，再按执行日志 ID 查询。
func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.Validation("id", "execution id is required"))
		return
	}
	ctx := r.Context()
	var detail executionDetail
	if s.deps.Jobs != nil {
		job, err := s.deps.Jobs.Get(ctx, id)
		switch {
		case err == nil:
			detail.Job = job
			if job.Result != nil && job.Result.ExecutionID != "" {
				id = job.Result.ExecutionID
			}
		case !xerrors.HasCode(err, xerrors.CodeNotFound):
			writeError(w, err)
			return
		}
	}
	log, err := s.deps.Records.GetExecution(ctx, id)
	switch {
	case err == nil:
		detail.Execution = log
	case !xerrors.HasCode(err, xerrors.CodeNotFound):
		writeError(w, err)
		return
	}
	if detail.Job == nil && detail.Execution == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("execution %s not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := s.deps.Records.ListExecutions(r.Context(), storage.ExecutionFilter{
		UserAddress:    q.Get("user"),
		InstallationID: q.Get("installation"),
		Limit:          queryLimit(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行队列未初始化"))
		return
	}
	q := r.URL.Query()
	opts := []task.ListOption{
		task.WithUser(q.Get("user")),
		task.WithInstallation(q.Get("installation")),
		task.WithLimit(queryLimit(r)),
	}
	if status := q.Get("status"); status != "" {
		opts = append(opts, task.WithStatuses(task.Status(status)))
	}
	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleJobStats 汇总执行任务状态，since 为 RFC3339 时间，只统计此后更新的任务。
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行队列未初始化"))
		return
	}
	q := r.URL.Query()
	opts := []task.ListOption{
		task.WithUser(q.Get("user")),
		task.WithInstallation(q.Get("installation")),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "since 必须是 RFC3339 时间"))
			return
		}
		opts = append(opts, task.WithUpdatedSince(since))
	}
	stats, err := s.deps.Jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.deps.Engine.Registry().List()
	out := make([]ruleInfo, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleInfo{
			Type:          rule.Type(),
			Name:          rule.Name(),
			Description:   rule.Description(),
			DefaultConfig: rule.DefaultConfig(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAdapters(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Adapters == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Adapters.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
