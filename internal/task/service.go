package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/storage"
	"ZKGuard-Chain/pkg/logger"
)

// SubmitRequest 请求为某个安装排队一次执行。
type SubmitRequest struct {
	ID             string         `json:"id,omitempty"`
	UserAddress    string         `json:"userAddress"`
	InstallationID string         `json:"installationId"`
	Params         map[string]any `json:"params,omitempty"`
}

// Installations 用于提交前确认安装存在且属于该用户。
type Installations interface {
	GetInstallation(ctx context.Context, id string) (*storage.Installation, error)
}

// Service 负责执行任务的创建与查询。
type Service struct {
	store         Store
	producer      Producer
	installations Installations
	maxRetries    int
}

// NewService 构造任务服务。maxRetries 小于等于 0 时使用 DefaultMaxRetries。
func NewService(store Store, producer Producer, installations Installations, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, installations: installations, maxRetries: maxRetries}
}

// Submit 创建一个新的执行任务并推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if !common.IsHexAddress(strings.TrimSpace(req.UserAddress)) {
		return nil, xerrors.Validation("userAddress", fmt.Sprintf("invalid user address %q", req.UserAddress))
	}
	if strings.TrimSpace(req.InstallationID) == "" {
		return nil, xerrors.Validation("installationId", "installation id is required")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if s.installations != nil {
		inst, err := s.installations.GetInstallation(ctx, req.InstallationID)
		if err != nil {
			return nil, err
		}
		if storage.NormalizeAddress(inst.UserAddress) != storage.NormalizeAddress(req.UserAddress) {
			return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("installation %s not found for user", req.InstallationID))
		}
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:             jobID,
		UserAddress:    req.UserAddress,
		InstallationID: req.InstallationID,
		Params:         cloneParams(req.Params),
		Status:         StatusPending,
		MaxRetries:     s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, xerrors.CodeQueueFailure, wrapped.Error(), nil)
		return nil, wrapped
	}
	logger.AuditEvent("task", "job_enqueued",
		slog.String("job_id", jobID),
		slog.String("user_address", job.UserAddress),
		slog.String("installation_id", job.InstallationID),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == StatusSucceeded || job.Status == StatusFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
