package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

const user = "0xAbCdEf0000000000000000000000000000000001"

func TestMemoryStoreInstallations(t *testing.T) {
	t.Parallel()

	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ctx := context.Background()

	inst := &Installation{UserAddress: user, AdapterID: "erc20-transfer", Config: json.RawMessage(`{"amount":"1"}`), Enabled: true}
	if err := store.SaveInstallation(ctx, inst); err != nil {
		t.Fatalf("save installation: %v", err)
	}
	if inst.ID == "" {
		t.Fatalf("expected installation id to be assigned")
	}
	if inst.UserAddress != NormalizeAddress(user) {
		t.Fatalf("expected lowercase user address, got %s", inst.UserAddress)
	}

	got, err := store.GetInstallation(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get installation: %v", err)
	}
	if got.AdapterID != "erc20-transfer" || string(got.Config) != `{"amount":"1"}` {
		t.Fatalf("unexpected installation: %+v", got)
	}

	list, err := store.ListInstallations(ctx, "0xabcdef0000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("list installations: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 installation, got %d", len(list))
	}

	if _, err := store.GetInstallation(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := store.SaveInstallation(ctx, &Installation{AdapterID: "x"}); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryStorePoliciesOverwrite(t *testing.T) {
	t.Parallel()

	store, _ := NewMemoryStore("")
	ctx := context.Background()

	first := &PolicyRecord{UserAddress: user, InstallationID: "inst-1", Policies: []policy.Policy{{Type: "max-amount", Enabled: true}}}
	if err := store.SavePolicies(ctx, first); err != nil {
		t.Fatalf("save policies: %v", err)
	}
	second := &PolicyRecord{UserAddress: user, InstallationID: "inst-1", Policies: []policy.Policy{{Type: "time-window", Enabled: true}, {Type: "cooldown", Enabled: true}}}
	if err := store.SavePolicies(ctx, second); err != nil {
		t.Fatalf("overwrite policies: %v", err)
	}

	got, err := store.GetPolicies(ctx, user, "inst-1")
	if err != nil {
		t.Fatalf("get policies: %v", err)
	}
	if len(got.Policies) != 2 || got.Policies[0].Type != "time-window" {
		t.Fatalf("expected overwritten policies, got %+v", got.Policies)
	}
	if got.CreatedAt != first.CreatedAt {
		t.Fatalf("created_at should survive overwrite")
	}

	if _, err := store.GetPolicies(ctx, user, "inst-2"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for absent policies, got %v", err)
	}
}

func TestMemoryStoreExecutions(t *testing.T) {
	t.Parallel()

	store, _ := NewMemoryStore("")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	logs := []ExecutionLog{
		{UserAddress: user, InstallationID: "inst-1", Decision: "ALLOW", State: "CONFIRMED", Succeeded: true, CreatedAt: base.Unix()},
		{UserAddress: user, InstallationID: "inst-1", Decision: "BLOCK", Reason: "cooldown", CreatedAt: base.Add(time.Minute).Unix()},
		{UserAddress: user, InstallationID: "inst-2", Decision: "ALLOW", State: "CONFIRMED", Succeeded: true, CreatedAt: base.Add(2 * time.Minute).Unix()},
		{UserAddress: "0x0000000000000000000000000000000000000002", InstallationID: "inst-3", Decision: "ERROR", State: "TIMED_OUT", CreatedAt: base.Add(3 * time.Minute).Unix()},
	}
	for i := range logs {
		if err := store.AppendExecution(ctx, &logs[i]); err != nil {
			t.Fatalf("append execution %d: %v", i, err)
		}
	}

	byUser, err := store.ListExecutions(ctx, ExecutionFilter{UserAddress: user})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(byUser) != 3 || byUser[0].InstallationID != "inst-2" {
		t.Fatalf("expected latest-first executions for user, got %+v", byUser)
	}

	byInstallation, _ := store.ListExecutions(ctx, ExecutionFilter{InstallationID: "inst-1"})
	if len(byInstallation) != 2 {
		t.Fatalf("expected 2 executions for inst-1, got %d", len(byInstallation))
	}

	latest, _ := store.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	if len(latest) != 1 || latest[0].Decision != "ERROR" {
		t.Fatalf("expected most recent execution, got %+v", latest)
	}

	last, ok, err := store.LastSuccessfulExecution(ctx, user, "inst-1")
	if err != nil || !ok {
		t.Fatalf("expected last successful execution, ok=%v err=%v", ok, err)
	}
	if !last.Equal(base) {
		t.Fatalf("expected %v, got %v", base, last)
	}
	if _, ok, _ := store.LastSuccessfulExecution(ctx, "0x0000000000000000000000000000000000000002", "inst-3"); ok {
		t.Fatalf("timed out execution must not count as success")
	}

	got, err := store.GetExecution(ctx, logs[1].ID)
	if err != nil || got.Reason != "cooldown" {
		t.Fatalf("get execution: %+v %v", got, err)
	}
}

func TestMemoryStoreJournalReplay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewMemoryStore(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	inst := &Installation{UserAddress: user, AdapterID: "native-transfer", Enabled: true}
	if err := store.SaveInstallation(ctx, inst); err != nil {
		t.Fatalf("save installation: %v", err)
	}
	inst.Enabled = false
	if err := store.SaveInstallation(ctx, inst); err != nil {
		t.Fatalf("update installation: %v", err)
	}
	if err := store.SavePolicies(ctx, &PolicyRecord{UserAddress: user, InstallationID: inst.ID, Policies: []policy.Policy{{Type: "cooldown", Enabled: true}}}); err != nil {
		t.Fatalf("save policies: %v", err)
	}
	if err := store.AppendExecution(ctx, &ExecutionLog{UserAddress: user, InstallationID: inst.ID, Decision: "ALLOW", Succeeded: true, Trail: []string{"DRAFTED", "CONFIRMED"}}); err != nil {
		t.Fatalf("append execution: %v", err)
	}

	reopened, err := NewMemoryStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, err := reopened.GetInstallation(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if got.Enabled {
		t.Fatalf("expected last write to win after replay")
	}
	if _, err := reopened.GetPolicies(ctx, user, inst.ID); err != nil {
		t.Fatalf("policies after replay: %v", err)
	}
	execs, _ := reopened.ListExecutions(ctx, ExecutionFilter{UserAddress: user})
	if len(execs) != 1 || len(execs[0].Trail) != 2 {
		t.Fatalf("unexpected executions after replay: %+v", execs)
	}
}
