package services

import (
	"context"
	"time"

	"leadflow/internal/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Batch job names; also the lease keys.
const (
	JobProcessEvents = "process-events"
	JobProcessDelays = "process-delays"
	JobProcessSLA    = "process-sla"
)

// JobRunner 批处理入口：每种作业同一时间只允许一个实例运行
type JobRunner struct {
	engine     *AutomationEngine
	delays     *DelayScheduler
	sla        *SLARedistributor
	locker     JobLocker
	lockTTL    time.Duration
	eventBatch int
	delayBatch int
	logger     *logrus.Logger
	tracer     trace.Tracer
}

// JobRunnerOptions sizes the batches and the lease.
type JobRunnerOptions struct {
	EventBatchSize int
	DelayBatchSize int
	LockTTL        time.Duration
}

func NewJobRunner(engine *AutomationEngine, delays *DelayScheduler, sla *SLARedistributor, locker JobLocker, opts JobRunnerOptions, logger *logrus.Logger) *JobRunner {
	if logger == nil {
		logger = logrus.New()
	}
	if locker == nil {
		locker = NoopJobLocker{}
	}
	if opts.EventBatchSize <= 0 {
		opts.EventBatchSize = 50
	}
	if opts.DelayBatchSize <= 0 {
		opts.DelayBatchSize = 30
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &JobRunner{
		engine:     engine,
		delays:     delays,
		sla:        sla,
		locker:     locker,
		lockTTL:    opts.LockTTL,
		eventBatch: opts.EventBatchSize,
		delayBatch: opts.DelayBatchSize,
		logger:     logger,
		tracer:     otel.Tracer("leadflow.jobs"),
	}
}

func (r *JobRunner) guard(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "job."+name)
	defer span.End()
	span.SetAttributes(attribute.String("job.name", name))

	release, err := r.locker.Acquire(ctx, name, r.lockTTL)
	if err != nil {
		if IsJobBusy(err) {
			metrics.IncJobBusy(name)
			r.logger.WithField("job", name).Info("job skipped: previous run still active")
		} else {
			span.RecordError(err)
		}
		return err
	}
	defer func() {
		// 释放租约不受请求取消影响
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.WithField("job", name).Warnf("failed to release job lease: %v", err)
		}
	}()

	metrics.IncJobRun(name)
	start := time.Now()
	err = fn(ctx)
	fields := logrus.Fields{"job": name, "duration": time.Since(start).String()}
	if err != nil {
		span.RecordError(err)
		r.logger.WithFields(fields).Errorf("job failed: %v", err)
		return err
	}
	r.logger.WithFields(fields).Debug("job finished")
	return nil
}

// ProcessEvents runs one orchestrator batch.
func (r *JobRunner) ProcessEvents(ctx context.Context) (*BatchResult, error) {
	var res *BatchResult
	err := r.guard(ctx, JobProcessEvents, func(ctx context.Context) error {
		var err error
		res, err = r.engine.RunBatch(ctx, r.eventBatch)
		return err
	})
	return res, err
}

// ProcessDelays resumes due continuations.
func (r *JobRunner) ProcessDelays(ctx context.Context) (*DelayBatchResult, error) {
	var res *DelayBatchResult
	err := r.guard(ctx, JobProcessDelays, func(ctx context.Context) error {
		var err error
		res, err = r.delays.ResumeBatch(ctx, r.delayBatch)
		return err
	})
	return res, err
}

// ProcessSLA runs one redistribution sweep.
func (r *JobRunner) ProcessSLA(ctx context.Context) (*SweepResult, error) {
	var res *SweepResult
	err := r.guard(ctx, JobProcessSLA, func(ctx context.Context) error {
		var err error
		res, err = r.sla.Sweep(ctx)
		return err
	})
	return res, err
}
