package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/storage"
)

// RecordStore 使用 MySQL 保存安装、策略集合与执行日志。
type RecordStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRecordStore 建立连接并执行迁移。
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
	}
	return NewRecordStoreWithDB(db), nil
}

// NewRecordStoreWithDB 复用已有连接，不执行迁移。
func NewRecordStoreWithDB(db *sql.DB) *RecordStore {
	return &RecordStore{db: db, now: time.Now}
}

const upsertInstallationSQL = `INSERT INTO installations
        (id, user_address, adapter_id, config, enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE adapter_id = VALUES(adapter_id), config = VALUES(config),
        enabled = VALUES(enabled), updated_at = VALUES(updated_at)`

// SaveInstallation 新建或覆盖安装。
func (s *RecordStore) SaveInstallation(ctx context.Context, inst *storage.Installation) error {
	if err := storage.PrepareInstallation(inst, uuid.NewString, s.now()); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertInstallationSQL,
		inst.ID,
		inst.UserAddress,
		inst.AdapterID,
		nullableJSON(inst.Config),
		inst.Enabled,
		inst.CreatedAt,
		inst.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入安装失败")
	}
	return nil
}

const selectInstallationSQL = `SELECT id, user_address, adapter_id, config, enabled, created_at, updated_at FROM installations`

// GetInstallation 按 ID 查询安装。
func (s *RecordStore) GetInstallation(ctx context.Context, id string) (*storage.Installation, error) {
	row := s.db.QueryRowContext(ctx, selectInstallationSQL+` WHERE id = ?`, id)
	inst, err := scanInstallation(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询安装失败")
	}
	return inst, nil
}

// ListInstallations 返回用户的全部安装。
func (s *RecordStore) ListInstallations(ctx context.Context, userAddress string) ([]storage.Installation, error) {
	query := selectInstallationSQL
	var args []any
	if user := storage.NormalizeAddress(userAddress); user != "" {
		query += ` WHERE user_address = ?`
		args = append(args, user)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询安装列表失败")
	}
	defer rows.Close()

	out := make([]storage.Installation, 0)
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析安装失败")
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历安装失败")
	}
	return out, nil
}

const upsertPoliciesSQL = `INSERT INTO policy_records
        (user_address, installation_id, policies, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE policies = VALUES(policies), updated_at = VALUES(updated_at)`

// SavePolicies 覆盖策略集合。
func (s *RecordStore) SavePolicies(ctx context.Context, record *storage.PolicyRecord) error {
	if err := storage.PreparePolicyRecord(record, s.now()); err != nil {
		return err
	}
	encoded, err := json.Marshal(record.Policies)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略集合失败")
	}
	if _, err := s.db.ExecContext(ctx, upsertPoliciesSQL,
		record.UserAddress,
		record.InstallationID,
		string(encoded),
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入策略集合失败")
	}
	return nil
}

const selectPoliciesSQL = `SELECT user_address, installation_id, policies, created_at, updated_at FROM policy_records`

// GetPolicies 读取策略集合。
func (s *RecordStore) GetPolicies(ctx context.Context, userAddress, installationID string) (*storage.PolicyRecord, error) {
	row := s.db.QueryRowContext(ctx, selectPoliciesSQL+` WHERE user_address = ? AND installation_id = ?`,
		storage.NormalizeAddress(userAddress), installationID)
	record, err := scanPolicyRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略集合失败")
	}
	return record, nil
}

// ListPolicies 返回用户的全部策略集合。
func (s *RecordStore) ListPolicies(ctx context.Context, userAddress string) ([]storage.PolicyRecord, error) {
	query := selectPoliciesSQL
	var args []any
	if user := storage.NormalizeAddress(userAddress); user != "" {
		query += ` WHERE user_address = ?`
		args = append(args, user)
	}
	query += ` ORDER BY installation_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略集合列表失败")
	}
	defer rows.Close()

	out := make([]storage.PolicyRecord, 0)
	for rows.Next() {
		record, err := scanPolicyRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略集合失败")
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历策略集合失败")
	}
	return out, nil
}

const insertExecutionSQL = `INSERT INTO execution_logs
        (id, job_id, user_address, installation_id, adapter_id, decision, reason, blocking_policy,
        error_code, state, tx_hash, user_op_hash, trail, succeeded, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendExecution 追加执行日志。
func (s *RecordStore) AppendExecution(ctx context.Context, log *storage.ExecutionLog) error {
	if err := storage.PrepareExecution(log, uuid.NewString, s.now()); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertExecutionSQL,
		log.ID,
		log.JobID,
		log.UserAddress,
		log.InstallationID,
		log.AdapterID,
		log.Decision,
		log.Reason,
		log.BlockingPolicy,
		log.ErrorCode,
		log.State,
		log.TxHash,
		log.UserOpHash,
		strings.Join(log.Trail, ","),
		log.Succeeded,
		log.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行日志失败")
	}
	return nil
}

const selectExecutionSQL = `SELECT id, job_id, user_address, installation_id, adapter_id, decision, reason, blocking_policy,
        error_code, state, tx_hash, user_op_hash, trail, succeeded, created_at FROM execution_logs`

// GetExecution 按 ID 查询执行日志。
func (s *RecordStore) GetExecution(ctx context.Context, id string) (*storage.ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, selectExecutionSQL+` WHERE id = ?`, id)
	log, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行日志失败")
	}
	return log, nil
}

// ListExecutions 按时间倒序查询执行日志。
func (s *RecordStore) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.ExecutionLog, error) {
	filter = filter.Normalize()
	clause, args := executionClause(filter)
	query := selectExecutionSQL
	if clause != "" {
		query += " WHERE " + clause
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行日志列表失败")
	}
	defer rows.Close()

	out := make([]storage.ExecutionLog, 0, filter.Limit)
	for rows.Next() {
		log, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行日志失败")
		}
		out = append(out, *log)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行日志失败")
	}
	return out, nil
}

const lastSuccessSQL = `SELECT COALESCE(MAX(created_at), 0) FROM execution_logs
        WHERE user_address = ? AND installation_id = ? AND succeeded = 1`

// LastSuccessfulExecution 返回最近一次确认成功的执行时间。
func (s *RecordStore) LastSuccessfulExecution(ctx context.Context, userAddress, installationID string) (time.Time, bool, error) {
	var latest int64
	if err := s.db.QueryRowContext(ctx, lastSuccessSQL, storage.NormalizeAddress(userAddress), installationID).Scan(&latest); err != nil {
		return time.Time{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询上次执行时间失败")
	}
	if latest == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(latest, 0).UTC(), true, nil
}

// Close 关闭底层数据库连接。
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstallation(row scanner) (*storage.Installation, error) {
	var inst storage.Installation
	var cfg sql.NullString
	if err := row.Scan(&inst.ID, &inst.UserAddress, &inst.AdapterID, &cfg, &inst.Enabled, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		inst.Config = json.RawMessage(cfg.String)
	}
	return &inst, nil
}

func scanPolicyRecord(row scanner) (*storage.PolicyRecord, error) {
	var record storage.PolicyRecord
	var encoded string
	if err := row.Scan(&record.UserAddress, &record.InstallationID, &encoded, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return nil, err
	}
	var policies []policy.Policy
	if err := json.Unmarshal([]byte(encoded), &policies); err != nil {
		return nil, err
	}
	record.Policies = policies
	return &record, nil
}

func scanExecution(row scanner) (*storage.ExecutionLog, error) {
	var log storage.ExecutionLog
	var reason, trail sql.NullString
	if err := row.Scan(
		&log.ID,
		&log.JobID,
		&log.UserAddress,
		&log.InstallationID,
		&log.AdapterID,
		&log.Decision,
		&reason,
		&log.BlockingPolicy,
		&log.ErrorCode,
		&log.State,
		&log.TxHash,
		&log.UserOpHash,
		&trail,
		&log.Succeeded,
		&log.CreatedAt,
	); err != nil {
		return nil, err
	}
	log.Reason = reason.String
	if trail.Valid && trail.String != "" {
		log.Trail = strings.Split(trail.String, ",")
	}
	return &log, nil
}

func executionClause(filter storage.ExecutionFilter) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.UserAddress != "" {
		conditions = append(conditions, "user_address = ?")
		args = append(args, filter.UserAddress)
	}
	if filter.InstallationID != "" {
		conditions = append(conditions, "installation_id = ?")
		args = append(args, filter.InstallationID)
	}
	return strings.Join(conditions, " AND "), args
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

var _ storage.RecordStore = (*RecordStore)(nil)
