package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/models"
	"leadflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	resumeExecuted    = "executed"
	resumeSuspended   = "suspended"
	resumeRescheduled = "rescheduled"
	resumeFailed      = "error"
	resumeCancelled   = "cancelled"
	resumeLost        = "lost"
)

// DelayScheduler 延迟续跑：持久化 wait 之后的剩余动作并在到期后恢复执行
type DelayScheduler struct {
	db          *gorm.DB
	runner      *ChainRunner
	publisher   OutcomePublisher
	logger      *logrus.Logger
	tracer      trace.Tracer
	now         func() time.Time
	maxAttempts int
}

func NewDelayScheduler(db *gorm.DB, runner *ChainRunner, logger *logrus.Logger, maxAttempts int) *DelayScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &DelayScheduler{
		db:          db,
		runner:      runner,
		publisher:   noopPublisher{},
		logger:      logger,
		tracer:      otel.Tracer("leadflow.delay"),
		now:         time.Now,
		maxAttempts: maxAttempts,
	}
}

func (s *DelayScheduler) SetPublisher(p OutcomePublisher) {
	if p != nil {
		s.publisher = p
	}
}

func (s *DelayScheduler) SetClock(now func() time.Time) { s.now = now }

// SuspendRequest describes where a suspended chain resumes.
type SuspendRequest struct {
	TenantID     uint
	AutomationID uint
	LogID        uint
	EventID      *uint
	ResumeIndex  int
	Context      map[string]interface{}
	ActionsHash  string
	ExecuteAt    time.Time
}

// Schedule persists a continuation. tx may be nil.
func (s *DelayScheduler) Schedule(ctx context.Context, tx *gorm.DB, req SuspendRequest) (*models.PendingExecution, error) {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	p := &models.PendingExecution{
		TenantID:     req.TenantID,
		AutomationID: req.AutomationID,
		LogID:        req.LogID,
		EventID:      req.EventID,
		ActionIndex:  req.ResumeIndex,
		Context:      req.Context,
		ActionsHash:  req.ActionsHash,
		ExecuteAt:    req.ExecuteAt,
		Status:       models.PendingStatusPending,
		MaxAttempts:  s.maxAttempts,
	}
	if err := tx.Create(p).Error; err != nil {
		return nil, fmt.Errorf("failed to schedule continuation: %w", err)
	}
	s.logger.Debugf("automation %d: continuation %d scheduled at index %d for %s",
		req.AutomationID, p.ID, req.ResumeIndex, utils.FormatTime(req.ExecuteAt))
	return p, nil
}

// DelayBatchResult is the response of one resume sweep.
type DelayBatchResult struct {
	Processed   int `json:"processed"`
	Executed    int `json:"executed"`
	Errors      int `json:"errors"`
	Cancelled   int `json:"cancelled"`
	Rescheduled int `json:"rescheduled"`
}

// RetryBackoff is 2^attempts minutes.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16
	}
	return time.Duration(1<<uint(attempts)) * time.Minute
}

// ResumeBatch resumes due continuations, oldest execute_at first.
func (s *DelayScheduler) ResumeBatch(ctx context.Context, limit int) (*DelayBatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "delay.resume_batch")
	defer span.End()

	if limit <= 0 {
		limit = 30
	}
	var due []models.PendingExecution
	if err := s.db.WithContext(ctx).
		Where("status = ? AND execute_at <= ?", models.PendingStatusPending, s.now()).
		Order("execute_at ASC, id ASC").
		Limit(limit).
		Find(&due).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load due continuations: %w", err)
	}

	res := &DelayBatchResult{}
	for i := range due {
		res.Processed++
		outcome, err := s.resumeOne(ctx, &due[i])
		if err != nil {
			res.Errors++
			s.logger.Errorf("continuation %d: %v", due[i].ID, err)
			continue
		}
		metrics.IncPendingOutcome(outcome)
		switch outcome {
		case resumeExecuted, resumeSuspended:
			res.Executed++
		case resumeCancelled:
			res.Cancelled++
		case resumeRescheduled:
			res.Rescheduled++
			res.Errors++
		case resumeFailed:
			res.Errors++
		}
	}

	span.SetAttributes(
		attribute.Int("delay.processed", res.Processed),
		attribute.Int("delay.executed", res.Executed),
		attribute.Int("delay.errors", res.Errors),
	)
	if res.Processed > 0 {
		s.logger.WithFields(logrus.Fields{
			"processed":   res.Processed,
			"executed":    res.Executed,
			"errors":      res.Errors,
			"cancelled":   res.Cancelled,
			"rescheduled": res.Rescheduled,
		}).Info("delay scheduler batch finished")
	}
	return res, nil
}

func (s *DelayScheduler) resumeOne(ctx context.Context, p *models.PendingExecution) (string, error) {
	ctx, span := s.tracer.Start(ctx, "delay.resume")
	defer span.End()
	span.SetAttributes(
		attribute.Int("pending.id", int(p.ID)),
		attribute.Int("automation.id", int(p.AutomationID)),
		attribute.Int("pending.action_index", p.ActionIndex),
	)

	var logRow models.AutomationLog
	if err := s.db.WithContext(ctx).First(&logRow, p.LogID).Error; err != nil {
		return "", fmt.Errorf("load execution log %d: %w", p.LogID, err)
	}

	var auto models.Automation
	err := s.db.WithContext(ctx).Unscoped().First(&auto, p.AutomationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.cancel(ctx, p, &logRow, "automation no longer exists")
	}
	if err != nil {
		return "", fmt.Errorf("load automation %d: %w", p.AutomationID, err)
	}
	if auto.DeletedAt.Valid || !auto.Active {
		return s.cancel(ctx, p, &logRow, "automation inactive or deleted")
	}
	actions, err := auto.ActionList()
	if err != nil {
		return s.cancel(ctx, p, &logRow, err.Error())
	}
	if p.ActionsHash != "" && ActionsHash(actions) != p.ActionsHash {
		return s.cancel(ctx, p, &logRow, "automation actions changed since suspension")
	}
	if p.ActionIndex < 0 || p.ActionIndex > len(actions) {
		return s.cancel(ctx, p, &logRow, fmt.Sprintf("action index %d out of range", p.ActionIndex))
	}

	actx := ActionContextFromMap(p.Context)
	actx.LogID = logRow.ID
	out := s.runner.Run(ctx, actions, p.ActionIndex, actx, StopOnFailure, p.Attempts+1)

	entries, err := logRow.Entries()
	if err != nil {
		return "", err
	}
	entries = append(entries, out.Entries...)
	if err := logRow.SetEntries(entries); err != nil {
		return "", err
	}

	now := s.now()
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	var outcome string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var (
			pendingUpdates map[string]interface{}
			logUpdates     = map[string]interface{}{"actions_log": logRow.ActionsLog}
		)
		switch {
		case out.FailedIndex >= 0:
			lastErr := ""
			if out.LastError != nil {
				lastErr = out.LastError.Error()
			}
			if p.Attempts+1 < maxAttempts {
				attempts := p.Attempts + 1
				pendingUpdates = map[string]interface{}{
					"attempts":     attempts,
					"action_index": out.FailedIndex,
					"execute_at":   now.Add(RetryBackoff(attempts)),
					"last_error":   lastErr,
				}
				outcome = resumeRescheduled
			} else {
				pendingUpdates = map[string]interface{}{
					"status":       models.PendingStatusError,
					"attempts":     maxAttempts,
					"action_index": out.FailedIndex,
					"last_error":   lastErr,
				}
				logUpdates["status"] = logStatusFromEntries(entries)
				logUpdates["finished_at"] = now
				logUpdates["message"] = "retries exhausted: " + lastErr
				if err := tx.Model(&models.Automation{}).Unscoped().Where("id = ?", auto.ID).
					UpdateColumn("total_errors", gorm.Expr("total_errors + 1")).Error; err != nil {
					return err
				}
				outcome = resumeFailed
			}
		case out.Suspended:
			if _, err := s.Schedule(ctx, tx, SuspendRequest{
				TenantID:     p.TenantID,
				AutomationID: p.AutomationID,
				LogID:        p.LogID,
				EventID:      p.EventID,
				ResumeIndex:  out.ResumeIndex,
				Context:      p.Context,
				ActionsHash:  p.ActionsHash,
				ExecuteAt:    out.WaitUntil,
			}); err != nil {
				return err
			}
			pendingUpdates = map[string]interface{}{"status": models.PendingStatusExecuted, "executed_at": now}
			logUpdates["status"] = models.LogStatusWaiting
			outcome = resumeSuspended
		default:
			pendingUpdates = map[string]interface{}{"status": models.PendingStatusExecuted, "executed_at": now}
			logUpdates["status"] = logStatusFromEntries(entries)
			logUpdates["finished_at"] = now
			outcome = resumeExecuted
		}

		upd := tx.Model(&models.PendingExecution{}).
			Where("id = ? AND status = ? AND attempts = ?", p.ID, models.PendingStatusPending, p.Attempts).
			Updates(pendingUpdates)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			outcome = resumeLost
			return errContinuationTaken
		}
		return tx.Model(&models.AutomationLog{}).Where("id = ?", logRow.ID).Updates(logUpdates).Error
	})
	if errors.Is(err, errContinuationTaken) {
		s.logger.Warnf("continuation %d was resumed concurrently; discarding this run", p.ID)
		return resumeLost, nil
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persist continuation %d: %w", p.ID, err)
	}

	if outcome == resumeExecuted || outcome == resumeSuspended {
		_ = s.publisher.Publish(ctx, OutcomeAutomationResumed, p.TenantID, map[string]interface{}{
			"automation_id": p.AutomationID,
			"log_id":        p.LogID,
			"pending_id":    p.ID,
			"suspended":     out.Suspended,
		})
	}
	return outcome, nil
}

var errContinuationTaken = errors.New("continuation taken")

func (s *DelayScheduler) cancel(ctx context.Context, p *models.PendingExecution, logRow *models.AutomationLog, reason string) (string, error) {
	entries, _ := logRow.Entries()
	status := models.LogStatusSkipped
	for _, e := range entries {
		if e.Status == "success" || e.Status == "error" {
			status = models.LogStatusPartial
			break
		}
	}
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&models.PendingExecution{}).
			Where("id = ? AND status = ?", p.ID, models.PendingStatusPending).
			Updates(map[string]interface{}{"status": models.PendingStatusCancelled, "last_error": reason})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return errContinuationTaken
		}
		return tx.Model(&models.AutomationLog{}).Where("id = ?", logRow.ID).
			Updates(map[string]interface{}{"status": status, "message": "cancelled: " + reason, "finished_at": now}).Error
	})
	if errors.Is(err, errContinuationTaken) {
		s.logger.Warnf("continuation %d already settled; cancel skipped", p.ID)
		return resumeLost, nil
	}
	if err != nil {
		return "", fmt.Errorf("cancel continuation %d: %w", p.ID, err)
	}
	s.logger.Infof("continuation %d cancelled: %s", p.ID, reason)
	return resumeCancelled, nil
}
