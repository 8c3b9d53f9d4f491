package task

import (
	"context"
	"testing"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
)

const testUser = "0x00000000000000000000000000000000000A11CE"

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	jobs := []*Job{
		{ID: "j1", UserAddress: testUser, InstallationID: "inst-a", Status: StatusPending, MaxRetries: 1},
		{ID: "j2", UserAddress: testUser, InstallationID: "inst-a", Status: StatusPending, MaxRetries: 1},
		{ID: "j3", UserAddress: "0x0000000000000000000000000000000000000b0b", InstallationID: "inst-b", Status: StatusPending, MaxRetries: 1},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "j2", xerrors.CodeSubmission, "bundler down", &ExecutionResult{Decision: "ERROR", State: "SIGNED"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", ExecutionResult{Decision: "ALLOW", State: "CONFIRMED"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != "j3" {
		t.Fatalf("expected newest job first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "j2" || failed[0].ErrorCode != string(xerrors.CodeSubmission) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	mine, err := store.List(ctx, BuildListOptions(WithUser(testUser)))
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 jobs for user, got %d", len(mine))
	}

	byInstallation, err := store.List(ctx, BuildListOptions(WithInstallation("inst-b")))
	if err != nil {
		t.Fatalf("list by installation: %v", err)
	}
	if len(byInstallation) != 1 || byInstallation[0].ID != "j3" {
		t.Fatalf("unexpected installation list: %+v", byInstallation)
	}

	withResult, err := store.List(ctx, BuildListOptions(WithResultPresence(true)))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 2 {
		t.Fatalf("expected 2 jobs with result, got %d", len(withResult))
	}

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 jobs to match since filter, got %d", len(recent))
	}

	paged, err := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "j2" {
		t.Fatalf("unexpected page: %+v", paged)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "j", UserAddress: testUser, InstallationID: "inst", MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j", UserAddress: testUser, InstallationID: "inst", MaxRetries: 1}); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	job, err := store.Claim(ctx, "j")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
	if _, err := store.Claim(ctx, "j"); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "j", xerrors.CodeSubmission, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); !xerrors.HasCode(err, xerrors.CodeRetriesExhausted) {
		t.Fatalf("expected exhausted after single attempt, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Job{ID: id, UserAddress: testUser, InstallationID: "inst", MaxRetries: 1}); err != nil {
			t.Fatalf("create job %s: %v", id, err)
		}
	}
	if err := store.MarkFailed(ctx, "b", xerrors.CodeSubmission, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", ExecutionResult{Decision: "BLOCK"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["a"].UpdatedAt = base.Unix()
	store.jobs["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	failedOnly, err := store.Stats(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}
