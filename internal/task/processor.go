package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/executor"
	"ZKGuard-Chain/internal/observability/alerting"
	"ZKGuard-Chain/pkg/logger"
)

// Executor 定义了处理器所需的执行能力。
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error)
}

// Processor 负责从队列消费任务并交给执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(exec Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    exec,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	out, execErr := p.executor.Execute(ctx, executor.Request{
		JobID:          job.ID,
		UserAddress:    job.UserAddress,
		InstallationID: job.InstallationID,
		Params:         cloneParams(job.Params),
	})
	if out == nil {
		return p.handleRequestFailure(ctx, job, execErr)
	}
	if execErr != nil {
		// 结论已产生但执行日志写入失败，任务仍记录结论。
		p.logger.Error("执行日志写入失败", slog.Any("error", execErr), slog.String("job_id", job.ID), slog.String("execution_id", out.ExecutionID))
		p.emitAlert(ctx, job, out, xerrors.CodeStorageFailure, execErr.Error(), "execution_log")
	}

	result := ResultFromOutcome(out)
	if out.Decision == executor.DecisionError {
		return p.handleOutcomeFailure(ctx, job, out, result)
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		p.logger.Error("标记任务完成失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, out, xerrors.CodeStorageFailure, err.Error(), "mark_succeeded")
		return nil
	}
	logger.AuditEvent("task", "job_completed",
		slog.String("job_id", job.ID),
		slog.String("execution_id", out.ExecutionID),
		slog.String("decision", result.Decision),
		slog.String("state", result.State),
	)
	return nil
}

// handleOutcomeFailure 处理执行器给出的 ERROR 结论。已广播的操作绝不重投。
func (p *Processor) handleOutcomeFailure(ctx context.Context, job *Job, out *executor.Outcome, result ExecutionResult) error {
	code := out.Code
	if code == "" {
		code = xerrors.CodeExecutorFailure
	}
	broadcast := out.UserOpHash != ""
	retry := !broadcast && xerrors.AttributesOf(code).Retryable && job.Attempts < job.MaxRetries

	if err := p.store.MarkFailed(ctx, job.ID, code, out.Reason, &result); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.AuditEvent("task", "job_failed",
		slog.String("job_id", job.ID),
		slog.String("execution_id", out.ExecutionID),
		slog.String("error_code", string(code)),
		slog.String("state", result.State),
		slog.Bool("retry", retry),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)
	// 回执超时由执行器直接告警。
	if code != xerrors.CodeReceiptTimeout && xerrors.AttributesOf(code).Alert {
		p.emitAlert(ctx, job, out, code, out.Reason, stage(retry))
	}
	if retry {
		return p.republish(ctx, job)
	}
	return nil
}

// handleRequestFailure 处理执行器在产生结论之前返回的错误。
func (p *Processor) handleRequestFailure(ctx context.Context, job *Job, execErr error) error {
	if execErr == nil {
		execErr = xerrors.New(xerrors.CodeExecutorFailure, "executor returned no outcome")
	}
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeExecutorFailure
	}
	retry := xerrors.RetryableError(execErr) && job.Attempts < job.MaxRetries

	if err := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), nil); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.AuditEvent("task", "job_failed",
		slog.String("job_id", job.ID),
		slog.String("error_code", string(code)),
		slog.String("error", execErr.Error()),
		slog.Bool("retry", retry),
		slog.Int("attempts", job.Attempts),
	)
	if xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, job, nil, code, execErr.Error(), stage(retry))
	}
	if retry {
		return p.republish(ctx, job)
	}
	return nil
}

func (p *Processor) republish(ctx context.Context, job *Job) error {
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, job.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务重投失败")
	}
	p.logger.Warn("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts), slog.Int("max_retries", job.MaxRetries))
	logger.AuditEvent("task", "job_requeued",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)
	return nil
}

func stage(retry bool) string {
	if retry {
		return "retry"
	}
	return "terminal"
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, out *executor.Outcome, code xerrors.Code, message, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if message == "" {
		message = attrs.Message
	}
	event := alerting.Event{
		Code:     code,
		Message:  message,
		Severity: attrs.Severity,
		Metadata: map[string]string{
			"stage":           stage,
			"job_id":          job.ID,
			"installation_id": job.InstallationID,
		},
		OccurredAt: time.Now().UTC(),
	}
	if out != nil {
		event.ExecutionID = out.ExecutionID
		event.UserOpHash = out.UserOpHash
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
