package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
)

// FailureMode decides what the chain does after a failed action.
type FailureMode int

const (
	// ContinueOnFailure records the failure and runs the next action.
	ContinueOnFailure FailureMode = iota
	// StopOnFailure halts at the failed action so it can be retried.
	StopOnFailure
)

// ChainOutcome is the result of running a slice of a rule's actions.
type ChainOutcome struct {
	Entries     []models.ActionLogEntry
	Succeeded   int
	Failed      int
	FailedIndex int   // -1 unless StopOnFailure halted
	LastError   error // last action failure
	Suspended   bool
	ResumeIndex int // index after the wait when Suspended
	WaitUntil   time.Time
}

// ChainRunner runs actions in order, handing a wait to the caller.
type ChainRunner struct {
	registry           *ActionRegistry
	logger             *logrus.Logger
	now                func() time.Time
	defaultWaitMinutes int
}

func NewChainRunner(registry *ActionRegistry, logger *logrus.Logger, defaultWaitMinutes int) *ChainRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &ChainRunner{registry: registry, logger: logger, now: time.Now, defaultWaitMinutes: defaultWaitMinutes}
}

// SetClock overrides the time source.
func (r *ChainRunner) SetClock(now func() time.Time) { r.now = now }

// Run executes actions[start:] for one firing. attempt is recorded on each entry.
func (r *ChainRunner) Run(ctx context.Context, actions []models.Action, start int, actx *ActionContext, mode FailureMode, attempt int) *ChainOutcome {
	out := &ChainOutcome{FailedIndex: -1}
	for i := start; i < len(actions); i++ {
		act := actions[i]
		entry := models.ActionLogEntry{Index: i, ActionType: act.Type, Attempt: attempt, At: r.now().UTC()}

		if act.Type == ActionWait {
			entry.Status = "waiting"
			out.Entries = append(out.Entries, entry)
			out.Suspended = true
			out.ResumeIndex = i + 1
			out.WaitUntil = r.now().Add(WaitDuration(act.Config, r.defaultWaitMinutes))
			return out
		}

		if err := ctx.Err(); err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
			out.Entries = append(out.Entries, entry)
			out.Failed++
			out.LastError = err
			out.FailedIndex = i
			return out
		}

		if err := r.registry.Execute(ctx, act, actx); err != nil {
			r.logger.Warnf("automation %d: action #%d %s failed: %v", actx.AutomationID, i, act.Type, err)
			metrics.IncActionFailure(act.Type)
			entry.Status = "error"
			entry.Error = err.Error()
			out.Entries = append(out.Entries, entry)
			out.Failed++
			out.LastError = err
			if mode == StopOnFailure {
				out.FailedIndex = i
				return out
			}
			continue
		}
		entry.Status = "success"
		out.Entries = append(out.Entries, entry)
		out.Succeeded++
	}
	return out
}

// ActionsHash fingerprints an action list; it is compared on resume to
// detect edits made while a chain was suspended.
func ActionsHash(actions []models.Action) string {
	raw, err := json.Marshal(actions)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// logStatusFromEntries derives the final log status; a retried action
// counts with its latest attempt only.
func logStatusFromEntries(entries []models.ActionLogEntry) string {
	latest := make(map[int]string, len(entries))
	for _, e := range entries {
		latest[e.Index] = e.Status
	}
	var ok, failed int
	for _, status := range latest {
		switch status {
		case "success":
			ok++
		case "error":
			failed++
		}
	}
	switch {
	case failed == 0:
		return models.LogStatusSuccess
	case ok == 0:
		return models.LogStatusError
	default:
		return models.LogStatusPartial
	}
}
