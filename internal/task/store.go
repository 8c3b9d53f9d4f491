package task

import (
	"context"

	xerrors "ZKGuard-Chain/internal/errors"
)

// Store 抽象了执行任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败；result 为 nil 表示执行器未产生结论。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, result *ExecutionResult) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
