package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ZKGuard-Chain/internal/errors"
)

const journalFile = "records.jsonl"

type journalKind string

const (
	kindInstallation journalKind = "installation"
	kindPolicies     journalKind = "policies"
	kindExecution    journalKind = "execution"
)

type journalEntry struct {
	Kind journalKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MemoryStore 在内存中保存记录，并以追加写的 JSON Lines 日志落盘，启动时回放。
// dataDir 为空时不落盘。
type MemoryStore struct {
	mu            sync.RWMutex
	path          string
	now           func() time.Time
	installations map[string]Installation
	policies      map[string]PolicyRecord
	executions    []ExecutionLog
}

// NewMemoryStore 创建内存记录存储。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	s := &MemoryStore{
		now:           time.Now,
		installations: make(map[string]Installation),
		policies:      make(map[string]PolicyRecord),
	}
	if dataDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	s.path = filepath.Join(dataDir, journalFile)
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func policyKey(userAddress, installationID string) string {
	return NormalizeAddress(userAddress) + "|" + installationID
}

// SaveInstallation 新建或覆盖一个安装。
func (s *MemoryStore) SaveInstallation(_ context.Context, inst *Installation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := PrepareInstallation(inst, uuid.NewString, s.now()); err != nil {
		return err
	}
	if existing, ok := s.installations[inst.ID]; ok {
		inst.CreatedAt = existing.CreatedAt
	}
	if err := s.append(kindInstallation, inst); err != nil {
		return err
	}
	s.installations[inst.ID] = cloneInstallation(*inst)
	return nil
}

// GetInstallation 按 ID 查询安装。
func (s *MemoryStore) GetInstallation(_ context.Context, id string) (*Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.installations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := cloneInstallation(inst)
	return &clone, nil
}

// ListInstallations 返回用户的全部安装，按创建时间升序。
func (s *MemoryStore) ListInstallations(_ context.Context, userAddress string) ([]Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user := NormalizeAddress(userAddress)
	out := make([]Installation, 0)
	for _, inst := range s.installations {
		if user != "" && inst.UserAddress != user {
			continue
		}
		out = append(out, cloneInstallation(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// SavePolicies 覆盖 (用户, 安装) 下的策略集合。
func (s *MemoryStore) SavePolicies(_ context.Context, record *PolicyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := PreparePolicyRecord(record, s.now()); err != nil {
		return err
	}
	key := policyKey(record.UserAddress, record.InstallationID)
	if existing, ok := s.policies[key]; ok {
		record.CreatedAt = existing.CreatedAt
	}
	if err := s.append(kindPolicies, record); err != nil {
		return err
	}
	s.policies[key] = clonePolicyRecord(*record)
	return nil
}

// GetPolicies 读取策略集合。
func (s *MemoryStore) GetPolicies(_ context.Context, userAddress, installationID string) (*PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.policies[policyKey(userAddress, installationID)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := clonePolicyRecord(record)
	return &clone, nil
}

// ListPolicies 返回用户的全部策略集合。
func (s *MemoryStore) ListPolicies(_ context.Context, userAddress string) ([]PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user := NormalizeAddress(userAddress)
	out := make([]PolicyRecord, 0)
	for _, record := range s.policies {
		if user != "" && record.UserAddress != user {
			continue
		}
		out = append(out, clonePolicyRecord(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallationID < out[j].InstallationID })
	return out, nil
}

// AppendExecution 追加一条执行日志。
func (s *MemoryStore) AppendExecution(_ context.Context, log *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := PrepareExecution(log, uuid.NewString, s.now()); err != nil {
		return err
	}
	if err := s.append(kindExecution, log); err != nil {
		return err
	}
	s.executions = append(s.executions, cloneExecution(*log))
	return nil
}

// GetExecution 按 ID 查询执行日志。
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].ID == id {
			clone := cloneExecution(s.executions[i])
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// ListExecutions 按时间倒序返回符合条件的执行日志。
func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter = filter.Normalize()
	out := make([]ExecutionLog, 0, filter.Limit)
	for i := len(s.executions) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		log := s.executions[i]
		if !matchesExecution(log, filter) {
			continue
		}
		out = append(out, cloneExecution(log))
	}
	return out, nil
}

// LastSuccessfulExecution 返回最近一次成功执行的时间。
func (s *MemoryStore) LastSuccessfulExecution(_ context.Context, userAddress, installationID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter := ExecutionFilter{UserAddress: userAddress, InstallationID: installationID}.Normalize()
	var latest int64
	for _, log := range s.executions {
		if log.Succeeded && matchesExecution(log, filter) && log.CreatedAt > latest {
			latest = log.CreatedAt
		}
	}
	if latest == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(latest, 0).UTC(), true, nil
}

// Close 对内存存储无需操作，日志每次写入后即关闭。
func (s *MemoryStore) Close() error {
	return nil
}

func matchesExecution(log ExecutionLog, filter ExecutionFilter) bool {
	if filter.UserAddress != "" && log.UserAddress != filter.UserAddress {
		return false
	}
	if filter.InstallationID != "" && log.InstallationID != filter.InstallationID {
		return false
	}
	return true
}

func (s *MemoryStore) append(kind journalKind, payload any) error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记录失败")
	}
	line, err := json.Marshal(journalEntry{Kind: kind, Data: data})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化日志条目失败")
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开记录日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记录日志失败")
	}
	return nil
}

func (s *MemoryStore) replay() error {
	file, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取记录日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry.Kind {
		case kindInstallation:
			var inst Installation
			if json.Unmarshal(entry.Data, &inst) == nil {
				s.installations[inst.ID] = inst
			}
		case kindPolicies:
			var record PolicyRecord
			if json.Unmarshal(entry.Data, &record) == nil {
				s.policies[policyKey(record.UserAddress, record.InstallationID)] = record
			}
		case kindExecution:
			var log ExecutionLog
			if json.Unmarshal(entry.Data, &log) == nil {
				s.executions = append(s.executions, log)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记录日志失败")
	}
	return nil
}

func cloneInstallation(inst Installation) Installation {
	inst.Config = append(json.RawMessage(nil), inst.Config...)
	return inst
}

func clonePolicyRecord(record PolicyRecord) PolicyRecord {
	record.Policies = append(record.Policies[:0:0], record.Policies...)
	return record
}

func cloneExecution(log ExecutionLog) ExecutionLog {
	log.Trail = append([]string(nil), log.Trail...)
	return log
}

var _ RecordStore = (*MemoryStore)(nil)
