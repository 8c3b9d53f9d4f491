package task

import (
	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/executor"
)

// Status 表示执行任务在队列中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次执行的结论，字段与执行日志一致。
type ExecutionResult struct {
	ExecutionID    string `json:"execution_id"`
	Decision       string `json:"decision"`
	Reason         string `json:"reason,omitempty"`
	BlockingPolicy string `json:"blocking_policy,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	State          string `json:"state,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	UserOpHash     string `json:"user_op_hash,omitempty"`
}

// ResultFromOutcome 从执行结果构造任务结果。
func ResultFromOutcome(out *executor.Outcome) ExecutionResult {
	if out == nil {
		return ExecutionResult{}
	}
	return ExecutionResult{
		ExecutionID:    out.ExecutionID,
		Decision:       string(out.Decision),
		Reason:         out.Reason,
		BlockingPolicy: out.BlockingPolicy,
		ErrorCode:      string(out.Code),
		State:          string(out.State),
		TxHash:         out.TxHash,
		UserOpHash:     out.UserOpHash,
	}
}

// Job 描述排队等待执行的一次安装触发。
type Job struct {
	ID             string           `json:"id"`
	UserAddress    string           `json:"user_address"`
	InstallationID string           `json:"installation_id"`
	Params         map[string]any   `json:"params,omitempty"`
	Status         Status           `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxRetries     int              `json:"max_retries"`
	LastError      string           `json:"last_error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

// DefaultMaxRetries 为 1：一次执行只尝试一次，除非调用方显式放宽。
const DefaultMaxRetries = 1

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(xerrors.CodeNotFound, "execution job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(xerrors.CodeConflict, "execution job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经完成。
	ErrJobCompleted = xerrors.New(xerrors.CodeAlreadyCompleted, "execution job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的尝试次数已经耗尽。
	ErrJobExhausted = xerrors.New(xerrors.CodeRetriesExhausted, "execution job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Result != nil {
		resultCopy := *job.Result
		clone.Result = &resultCopy
	}
	clone.Params = cloneParams(job.Params)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
