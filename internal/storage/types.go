package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// Installation 表示用户安装的一个适配器实例。
type Installation struct {
	ID          string          `json:"id"`
	UserAddress string          `json:"userAddress"`
	AdapterID   string          `json:"adapterId"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
}

// PolicyRecord 是按 (用户, 安装) 保存的策略集合。
type PolicyRecord struct {
	UserAddress    string          `json:"userAddress"`
	InstallationID string          `json:"installationId"`
	Policies       []policy.Policy `json:"policies"`
	CreatedAt      int64           `json:"createdAt"`
	UpdatedAt      int64           `json:"updatedAt"`
}

// ExecutionLog 记录一次执行的终态，执行中途不会落库。
type ExecutionLog struct {
	ID             string   `json:"id"`
	JobID          string   `json:"jobId,omitempty"`
	UserAddress    string   `json:"userAddress"`
	InstallationID string   `json:"installationId"`
	AdapterID      string   `json:"adapterId,omitempty"`
	Decision       string   `json:"decision"`
	Reason         string   `json:"reason,omitempty"`
	BlockingPolicy string   `json:"blockingPolicy,omitempty"`
	ErrorCode      string   `json:"errorCode,omitempty"`
	State          string   `json:"state,omitempty"`
	TxHash         string   `json:"txHash,omitempty"`
	UserOpHash     string   `json:"userOpHash,omitempty"`
	Trail          []string `json:"trail,omitempty"`
	// Succeeded 仅在交易上链确认后为 true，冷却规则以此计算上次执行时间。
	Succeeded bool  `json:"succeeded"`
	CreatedAt int64 `json:"createdAt"`
}

// ExecutionFilter 控制执行日志的查询。
type ExecutionFilter struct {
	UserAddress    string
	InstallationID string
	Limit          int
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Normalize 归一化地址并限制返回条数。
func (f ExecutionFilter) Normalize() ExecutionFilter {
	f.UserAddress = NormalizeAddress(f.UserAddress)
	f.InstallationID = strings.TrimSpace(f.InstallationID)
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return f
}

// RecordStore 抽象 guardd 的持久化需求。
type RecordStore interface {
	SaveInstallation(ctx context.Context, inst *Installation) error
	GetInstallation(ctx context.Context, id string) (*Installation, error)
	ListInstallations(ctx context.Context, userAddress string) ([]Installation, error)

	SavePolicies(ctx context.Context, record *PolicyRecord) error
	GetPolicies(ctx context.Context, userAddress, installationID string) (*PolicyRecord, error)
	ListPolicies(ctx context.Context, userAddress string) ([]PolicyRecord, error)

	AppendExecution(ctx context.Context, log *ExecutionLog) error
	GetExecution(ctx context.Context, id string) (*ExecutionLog, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionLog, error)
	// LastSuccessfulExecution 返回最近一次确认成功的执行时间，没有记录时第二个返回值为 false。
	LastSuccessfulExecution(ctx context.Context, userAddress, installationID string) (time.Time, bool, error)

	Close() error
}

// NormalizeAddress 统一地址大小写，所有以用户为键的记录都经过它。
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ErrNotFound 表示记录不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")

func validateInstallation(inst *Installation) error {
	if inst == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "installation 不能为空")
	}
	if NormalizeAddress(inst.UserAddress) == "" {
		return xerrors.Validation("userAddress", "user address is required")
	}
	if strings.TrimSpace(inst.AdapterID) == "" {
		return xerrors.Validation("adapterId", "adapter id is required")
	}
	return nil
}

func validatePolicyRecord(record *PolicyRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "policy record 不能为空")
	}
	if NormalizeAddress(record.UserAddress) == "" {
		return xerrors.Validation("userAddress", "user address is required")
	}
	if strings.TrimSpace(record.InstallationID) == "" {
		return xerrors.Validation("installationId", "installation id is required")
	}
	return nil
}

// PrepareInstallation 补齐 ID、时间戳并归一化地址，供各实现共用。
func PrepareInstallation(inst *Installation, newID func() string, now time.Time) error {
	if err := validateInstallation(inst); err != nil {
		return err
	}
	inst.UserAddress = NormalizeAddress(inst.UserAddress)
	if strings.TrimSpace(inst.ID) == "" {
		inst.ID = newID()
	}
	if inst.CreatedAt == 0 {
		inst.CreatedAt = now.Unix()
	}
	inst.UpdatedAt = now.Unix()
	return nil
}

// PreparePolicyRecord 补齐时间戳并归一化地址。
func PreparePolicyRecord(record *PolicyRecord, now time.Time) error {
	if err := validatePolicyRecord(record); err != nil {
		return err
	}
	record.UserAddress = NormalizeAddress(record.UserAddress)
	record.InstallationID = strings.TrimSpace(record.InstallationID)
	if record.CreatedAt == 0 {
		record.CreatedAt = now.Unix()
	}
	record.UpdatedAt = now.Unix()
	return nil
}

// PrepareExecution 补齐 ID 与时间戳。
func PrepareExecution(log *ExecutionLog, newID func() string, now time.Time) error {
	if log == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution log 不能为空")
	}
	if NormalizeAddress(log.UserAddress) == "" {
		return xerrors.Validation("userAddress", "user address is required")
	}
	log.UserAddress = NormalizeAddress(log.UserAddress)
	if strings.TrimSpace(log.ID) == "" {
		log.ID = newID()
	}
	if log.CreatedAt == 0 {
		log.CreatedAt = now.Unix()
	}
	return nil
}
