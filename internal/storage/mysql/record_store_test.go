package mysql

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/storage"
)

var fixedNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*RecordStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewRecordStoreWithDB(db)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func TestRecordStoreSaveInstallation(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO installations")).
		WithArgs("inst-1", "0xabc0000000000000000000000000000000000001", "erc20-transfer", `{"amount":"5"}`, true, fixedNow.Unix(), fixedNow.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inst := &storage.Installation{
		ID:          "inst-1",
		UserAddress: "0xABC0000000000000000000000000000000000001",
		AdapterID:   "erc20-transfer",
		Config:      json.RawMessage(`{"amount":"5"}`),
		Enabled:     true,
	}
	if err := store.SaveInstallation(context.Background(), inst); err != nil {
		t.Fatalf("save installation: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordStoreGetInstallationNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM installations WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_address", "adapter_id", "config", "enabled", "created_at", "updated_at"}))

	_, err := store.GetInstallation(context.Background(), "missing")
	if !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRecordStorePoliciesRoundTrip(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	policies := []policy.Policy{{Type: "max-amount", Enabled: true, Config: json.RawMessage(`{"maxAmount":"100"}`)}}
	encoded, _ := json.Marshal(policies)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_records")).
		WithArgs("0xabc0000000000000000000000000000000000001", "inst-1", string(encoded), fixedNow.Unix(), fixedNow.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_records WHERE user_address = ? AND installation_id = ?")).
		WithArgs("0xabc0000000000000000000000000000000000001", "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_address", "installation_id", "policies", "created_at", "updated_at"}).
			AddRow("0xabc0000000000000000000000000000000000001", "inst-1", string(encoded), fixedNow.Unix(), fixedNow.Unix()))

	ctx := context.Background()
	if err := store.SavePolicies(ctx, &storage.PolicyRecord{UserAddress: "0xABC0000000000000000000000000000000000001", InstallationID: "inst-1", Policies: policies}); err != nil {
		t.Fatalf("save policies: %v", err)
	}
	got, err := store.GetPolicies(ctx, "0xAbC0000000000000000000000000000000000001", "inst-1")
	if err != nil {
		t.Fatalf("get policies: %v", err)
	}
	if len(got.Policies) != 1 || got.Policies[0].Type != "max-amount" {
		t.Fatalf("unexpected policies: %+v", got.Policies)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordStoreListExecutionsFilters(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	columns := []string{"id", "job_id", "user_address", "installation_id", "adapter_id", "decision", "reason", "blocking_policy",
		"error_code", "state", "tx_hash", "user_op_hash", "trail", "succeeded", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM execution_logs WHERE user_address = ? AND installation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?")).
		WithArgs("0xabc0000000000000000000000000000000000001", "inst-1", 5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("exec-2", "job-2", "0xabc0000000000000000000000000000000000001", "inst-1", "erc20-transfer", "ERROR",
				"receipt not found after polling", "", "RECEIPT_TIMEOUT", "TIMED_OUT", "", "0xbeef", "DRAFTED,PREPARED,SPONSORED,SIGNED,SUBMITTED,TIMED_OUT", false, int64(20)).
			AddRow("exec-1", "job-1", "0xabc0000000000000000000000000000000000001", "inst-1", "erc20-transfer", "ALLOW",
				"", "", "", "CONFIRMED", "0xfeed", "0xcafe", "DRAFTED,CONFIRMED", true, int64(10)))

	logs, err := store.ListExecutions(context.Background(), storage.ExecutionFilter{
		UserAddress:    "0xABC0000000000000000000000000000000000001",
		InstallationID: "inst-1",
		Limit:          5,
	})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].State != "TIMED_OUT" || len(logs[0].Trail) != 6 || logs[0].UserOpHash != "0xbeef" {
		t.Fatalf("unexpected first log: %+v", logs[0])
	}
	if !logs[1].Succeeded || logs[1].TxHash != "0xfeed" {
		t.Fatalf("unexpected second log: %+v", logs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordStoreLastSuccessfulExecution(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(created_at), 0) FROM execution_logs")).
		WithArgs("0xabc0000000000000000000000000000000000001", "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1700000000)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(created_at), 0) FROM execution_logs")).
		WithArgs("0xabc0000000000000000000000000000000000001", "inst-2").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))

	ctx := context.Background()
	last, ok, err := store.LastSuccessfulExecution(ctx, "0xabc0000000000000000000000000000000000001", "inst-1")
	if err != nil || !ok || last.Unix() != 1700000000 {
		t.Fatalf("unexpected last execution: %v %v %v", last, ok, err)
	}
	if _, ok, err := store.LastSuccessfulExecution(ctx, "0xabc0000000000000000000000000000000000001", "inst-2"); err != nil || ok {
		t.Fatalf("expected no successful execution, ok=%v err=%v", ok, err)
	}
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(files[0].version))
	for _, file := range files[1:] {
		mock.ExpectBegin()
		for range file.statements {
			mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
			WithArgs(file.version, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	t.Parallel()
	got := splitSQLStatements("CREATE TABLE a (id INT);\n\n  CREATE TABLE b (id INT);  \n")
	if len(got) != 2 || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements: %#v", got)
	}
	if v := parseMigrationVersion("0002_execution_jobs.sql"); v != "0002" {
		t.Fatalf("unexpected version %q", v)
	}
}
