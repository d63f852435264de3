package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Rule outcomes of a single (event, automation) pair.
const (
	ruleExecuted = "executed"
	ruleSkipped  = "skipped"
	ruleError    = "error"
	ruleNoMatch  = "no_match"
)

// AutomationEngine 自动化编排：消费事件、匹配规则、执行动作链
type AutomationEngine struct {
	db          *gorm.DB
	store       *EventStore
	runner      *ChainRunner
	delays      *DelayScheduler
	publisher   OutcomePublisher
	logger      *logrus.Logger
	tracer      trace.Tracer
	now         func() time.Time
	dedupWindow time.Duration
}

func NewAutomationEngine(db *gorm.DB, store *EventStore, runner *ChainRunner, delays *DelayScheduler, logger *logrus.Logger) *AutomationEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationEngine{
		db:          db,
		store:       store,
		runner:      runner,
		delays:      delays,
		publisher:   noopPublisher{},
		logger:      logger,
		tracer:      otel.Tracer("leadflow.engine"),
		now:         time.Now,
		dedupWindow: 60 * time.Second,
	}
}

func (e *AutomationEngine) SetPublisher(p OutcomePublisher) {
	if p != nil {
		e.publisher = p
	}
}

// SetDedupWindow sets the bucket width of the idempotency key; 0 disables dedup.
func (e *AutomationEngine) SetDedupWindow(d time.Duration) { e.dedupWindow = d }

func (e *AutomationEngine) SetClock(now func() time.Time) { e.now = now }

// BatchResult 单次事件批处理结果
type BatchResult struct {
	Processed int `json:"processed"`
	Executed  int `json:"executed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RunBatch consumes up to limit unprocessed events in creation order.
// A rule failure never stops the batch; a store failure does.
func (e *AutomationEngine) RunBatch(ctx context.Context, limit int) (*BatchResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run_batch")
	defer span.End()

	events, err := e.store.FetchUnprocessed(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &BatchResult{}
	for i := range events {
		ev := &events[i]
		if err := e.processEvent(ctx, ev, res); err != nil {
			span.RecordError(err)
			return res, err
		}
		res.Processed++
	}

	metrics.AddEventsProcessed(res.Processed)
	metrics.AddRuleOutcome(ruleExecuted, res.Executed)
	metrics.AddRuleOutcome(ruleSkipped, res.Skipped)
	metrics.AddRuleOutcome(ruleError, res.Errors)
	span.SetAttributes(
		attribute.Int("engine.processed", res.Processed),
		attribute.Int("engine.executed", res.Executed),
		attribute.Int("engine.errors", res.Errors),
	)
	if res.Processed > 0 {
		e.logger.WithFields(logrus.Fields{
			"processed": res.Processed,
			"executed":  res.Executed,
			"skipped":   res.Skipped,
			"errors":    res.Errors,
		}).Info("automation batch finished")
	}
	return res, nil
}

func (e *AutomationEngine) processEvent(ctx context.Context, ev *models.Event, res *BatchResult) error {
	var autos []models.Automation
	if err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND trigger_type = ? AND active = ?", ev.TenantID, ev.Type, true).
		Order("id ASC").
		Find(&autos).Error; err != nil {
		return fmt.Errorf("failed to load automations for event %d: %w", ev.ID, err)
	}

	data := map[string]interface{}(ev.Data)
	if data == nil {
		data = map[string]interface{}{}
	}
	for i := range autos {
		a := &autos[i]
		if !triggerConfigMatches(a.TriggerConfig, data) {
			continue
		}
		switch e.runRule(ctx, a, ev, data) {
		case ruleExecuted:
			res.Executed++
		case ruleSkipped:
			res.Skipped++
		case ruleError:
			res.Errors++
		}
	}
	return e.store.MarkProcessed(ctx, ev.ID, e.now())
}

// triggerConfigMatches requires every trigger_config key to equal the event value.
func triggerConfigMatches(cfg map[string]interface{}, data map[string]interface{}) bool {
	for k, want := range cfg {
		if !valuesEqual(data[k], want) {
			return false
		}
	}
	return true
}

func (e *AutomationEngine) runRule(ctx context.Context, a *models.Automation, ev *models.Event, data map[string]interface{}) string {
	ctx, span := e.tracer.Start(ctx, "engine.rule")
	defer span.End()
	span.SetAttributes(
		attribute.Int("automation.id", int(a.ID)),
		attribute.Int("event.id", int(ev.ID)),
		attribute.String("event.type", ev.Type),
	)

	conds, err := a.ConditionList()
	if err != nil {
		e.writeLog(ctx, a, ev, models.LogStatusError, err.Error())
		return ruleError
	}
	if !MatchConditions(conds, data) {
		return ruleNoMatch
	}
	actions, err := a.ActionList()
	if err != nil {
		e.writeLog(ctx, a, ev, models.LogStatusError, err.Error())
		return ruleError
	}

	fresh, err := e.claimExecutionKey(ctx, a, ev)
	if err != nil {
		e.logger.Errorf("automation %d: dedup check failed: %v", a.ID, err)
		return ruleError
	}
	if !fresh {
		e.writeLog(ctx, a, ev, models.LogStatusSkipped, "duplicate firing within dedup window")
		return ruleSkipped
	}

	allowed, err := e.reserveExecution(ctx, a)
	if err != nil {
		e.logger.Errorf("automation %d: rate limit check failed: %v", a.ID, err)
		return ruleError
	}
	if !allowed {
		e.writeLog(ctx, a, ev, models.LogStatusSkipped, fmt.Sprintf("rate limit reached (%d per hour)", a.MaxExecutionsPerHour))
		return ruleSkipped
	}

	eventID := ev.ID
	logRow := &models.AutomationLog{
		TenantID:     a.TenantID,
		AutomationID: a.ID,
		EventID:      &eventID,
		EntityType:   ev.EntityType,
		EntityID:     ev.EntityID,
		Status:       models.LogStatusRunning,
	}
	if err := e.db.WithContext(ctx).Create(logRow).Error; err != nil {
		e.logger.Errorf("automation %d: failed to create log: %v", a.ID, err)
		return ruleError
	}

	actx := &ActionContext{
		TenantID:     a.TenantID,
		AutomationID: a.ID,
		LogID:        logRow.ID,
		EventID:      &eventID,
		EventType:    ev.Type,
		EntityType:   ev.EntityType,
		EntityID:     ev.EntityID,
		Data:         data,
	}
	out := e.runner.Run(ctx, actions, 0, actx, ContinueOnFailure, 1)
	if err := logRow.SetEntries(out.Entries); err != nil {
		e.logger.Errorf("automation %d: %v", a.ID, err)
		return ruleError
	}

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"actions_log": logRow.ActionsLog}
		if out.Suspended {
			if _, err := e.delays.Schedule(ctx, tx, SuspendRequest{
				TenantID:     a.TenantID,
				AutomationID: a.ID,
				LogID:        logRow.ID,
				EventID:      &eventID,
				ResumeIndex:  out.ResumeIndex,
				Context:      actx.ToMap(),
				ActionsHash:  ActionsHash(actions),
				ExecuteAt:    out.WaitUntil,
			}); err != nil {
				return err
			}
			updates["status"] = models.LogStatusWaiting
		} else {
			updates["status"] = logStatusFromEntries(out.Entries)
			updates["finished_at"] = now
		}
		if err := tx.Model(&models.AutomationLog{}).Where("id = ?", logRow.ID).Updates(updates).Error; err != nil {
			return err
		}
		counters := map[string]interface{}{
			"total_executions": gorm.Expr("total_executions + 1"),
			"last_executed_at": now,
		}
		if out.Failed > 0 {
			counters["total_errors"] = gorm.Expr("total_errors + 1")
		}
		return tx.Model(&models.Automation{}).Where("id = ?", a.ID).UpdateColumns(counters).Error
	})
	if err != nil {
		span.RecordError(err)
		e.logger.Errorf("automation %d: failed to persist execution: %v", a.ID, err)
		return ruleError
	}

	_ = e.publisher.Publish(ctx, OutcomeAutomationExecuted, a.TenantID, map[string]interface{}{
		"automation_id": a.ID,
		"event_id":      ev.ID,
		"log_id":        logRow.ID,
		"succeeded":     out.Succeeded,
		"failed":        out.Failed,
		"suspended":     out.Suspended,
	})
	if out.Failed > 0 && out.Succeeded == 0 && !out.Suspended {
		return ruleError
	}
	return ruleExecuted
}

// claimExecutionKey inserts the idempotency key; false means another firing
// already owns this bucket.
func (e *AutomationEngine) claimExecutionKey(ctx context.Context, a *models.Automation, ev *models.Event) (bool, error) {
	secs := int64(e.dedupWindow / time.Second)
	if secs <= 0 {
		return true, nil
	}
	key := &models.RuleExecutionKey{
		TenantID:     ev.TenantID,
		EntityType:   ev.EntityType,
		EntityID:     ev.EntityID,
		AutomationID: a.ID,
		Bucket:       ev.CreatedAt.Unix() / secs,
		EventID:      ev.ID,
	}
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(key)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// reserveExecution enforces max_executions_per_hour with conditional updates
// so that concurrent workers cannot overshoot the budget.
func (e *AutomationEngine) reserveExecution(ctx context.Context, a *models.Automation) (bool, error) {
	now := e.now()
	db := e.db.WithContext(ctx)
	if err := db.Model(&models.Automation{}).
		Where("id = ? AND (window_started_at IS NULL OR window_started_at <= ?)", a.ID, now.Add(-time.Hour)).
		UpdateColumns(map[string]interface{}{"executions_last_hour": 0, "window_started_at": now}).Error; err != nil {
		return false, err
	}
	q := db.Model(&models.Automation{}).Where("id = ?", a.ID)
	if a.MaxExecutionsPerHour > 0 {
		q = q.Where("executions_last_hour < max_executions_per_hour")
	}
	res := q.UpdateColumn("executions_last_hour", gorm.Expr("executions_last_hour + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (e *AutomationEngine) writeLog(ctx context.Context, a *models.Automation, ev *models.Event, status, message string) {
	eventID := ev.ID
	now := e.now()
	row := &models.AutomationLog{
		TenantID:     a.TenantID,
		AutomationID: a.ID,
		EventID:      &eventID,
		EntityType:   ev.EntityType,
		EntityID:     ev.EntityID,
		Status:       status,
		Message:      message,
		FinishedAt:   &now,
	}
	if err := e.db.WithContext(ctx).Create(row).Error; err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Errorf("automation %d: failed to write %s log: %v", a.ID, status, err)
	}
}
