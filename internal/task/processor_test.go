package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/executor"
	"ZKGuard-Chain/internal/observability/alerting"
	"ZKGuard-Chain/internal/storage"
	"ZKGuard-Chain/pkg/logger"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	respond   func(req executor.Request) (*executor.Outcome, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if f.respond != nil {
		return f.respond(req)
	}
	return &executor.Outcome{
		ExecutionID: "exec-" + req.JobID,
		Decision:    executor.DecisionAllow,
		State:       executor.StateConfirmed,
		TxHash:      "0xabc",
	}, nil
}

type installationsFunc func(ctx context.Context, id string) (*storage.Installation, error)

func (f installationsFunc) GetInstallation(ctx context.Context, id string) (*storage.Installation, error) {
	return f(ctx, id)
}

func ownedBy(user string) Installations {
	return installationsFunc(func(_ context.Context, id string) (*storage.Installation, error) {
		return &storage.Installation{ID: id, UserAddress: user, AdapterID: "transfer", Enabled: true}, nil
	})
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startProcessor(t *testing.T, exec Executor, store Store, queue Queue, opts ...ProcessorOption) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	opts = append([]ProcessorOption{WithProcessorLogger(logger.Discard())}, opts...)
	processor := NewProcessor(exec, store, queue, queue, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return cancel
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, ownedBy(testUser), 0)
	cancel := startProcessor(t, exec, store, queue, WithWorkerCount(8))
	defer cancel()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(context.Background(), SubmitRequest{
			UserAddress:    testUser,
			InstallationID: fmt.Sprintf("inst-%d", i),
		}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(exec.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRecordsOutcome(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{}
	service := NewService(store, queue, ownedBy(testUser), 0)
	cancel := startProcessor(t, exec, store, queue)
	defer cancel()

	job, err := service.Submit(context.Background(), SubmitRequest{UserAddress: testUser, InstallationID: "inst"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default max retries %d, got %d", DefaultMaxRetries, job.MaxRetries)
	}

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	final, err := service.WaitUntilCompleted(ctx, job.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusSucceeded || final.Result == nil {
		t.Fatalf("unexpected job: %+v", final)
	}
	if final.Result.State != string(executor.StateConfirmed) || final.Result.ExecutionID != "exec-"+job.ID {
		t.Fatalf("unexpected result: %+v", final.Result)
	}
}

func TestProcessorNeverRetriesAfterBroadcast(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{respond: func(req executor.Request) (*executor.Outcome, error) {
		return &executor.Outcome{
			ExecutionID: "exec-1",
			Decision:    executor.DecisionError,
			Code:        xerrors.CodeTimeout,
			State:       executor.StateTimedOut,
			Reason:      executor.ReasonReceiptNotFound,
			UserOpHash:  "0x1234",
		}, nil
	}}
	alerter := &recordingAlerter{}
	service := NewService(store, queue, ownedBy(testUser), 3)
	cancel := startProcessor(t, exec, store, queue, WithAlertDispatcher(alerter))
	defer cancel()

	job, err := service.Submit(context.Background(), SubmitRequest{UserAddress: testUser, InstallationID: "inst"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	final, err := service.WaitUntilCompleted(ctx, job.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := exec.processed.Load(); got != 1 {
		t.Fatalf("expected a single execution after broadcast, got %d", got)
	}
	if final.Status != StatusFailed || final.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("unexpected job: %+v", final)
	}
	if final.Result == nil || final.Result.UserOpHash != "0x1234" {
		t.Fatalf("expected user op hash in result, got %+v", final.Result)
	}
	if alerter.count() != 1 {
		t.Fatalf("expected one alert, got %d", alerter.count())
	}
}

func TestProcessorRetriesInfraFailureBeforeOutcome(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{respond: func(executor.Request) (*executor.Outcome, error) {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "record store unavailable")
	}}
	service := NewService(store, queue, ownedBy(testUser), 2)
	logs := &lockedBuffer{}
	cancel := startProcessor(t, exec, store, queue, WithProcessorLogger(slog.New(slog.NewJSONHandler(logs, nil))))
	defer cancel()

	job, err := service.Submit(context.Background(), SubmitRequest{UserAddress: testUser, InstallationID: "inst"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for exec.processed.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected two attempts, got %d", exec.processed.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := exec.processed.Load(); got != 2 {
		t.Fatalf("expected attempts capped at max retries, got %d", got)
	}
	final, err := service.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusFailed || final.Attempts != 2 || final.ErrorCode != string(xerrors.CodeStorageFailure) {
		t.Fatalf("unexpected job: %+v", final)
	}

	var requeued int
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"job_id":"`+job.ID+`"`) && strings.Contains(line, `"max_retries":2`) {
			if !strings.Contains(line, `"level":"WARN"`) {
				t.Fatalf("requeue must be logged at WARN: %s", line)
			}
			requeued++
		}
	}
	if requeued != 1 {
		t.Fatalf("expected one requeue log line, got %d in %s", requeued, logs.String())
	}
}

func TestServiceSubmitValidatesOwnership(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, ownedBy("0x0000000000000000000000000000000000000b0b"), 0)

	if _, err := service.Submit(context.Background(), SubmitRequest{UserAddress: "nope", InstallationID: "inst"}); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(context.Background(), SubmitRequest{UserAddress: testUser, InstallationID: "inst"}); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found for foreign installation, got %v", err)
	}

	owned := NewService(store, queue, ownedBy(testUser), 0)
	first, err := owned.Submit(context.Background(), SubmitRequest{ID: "fixed", UserAddress: testUser, InstallationID: "inst"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := owned.Submit(context.Background(), SubmitRequest{ID: "fixed", UserAddress: testUser, InstallationID: "inst"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != first.ID || again.CreatedAt != first.CreatedAt {
		t.Fatalf("expected idempotent submit, got %+v", again)
	}
}
