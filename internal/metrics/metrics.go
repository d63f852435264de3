package metrics

import (
	"sync"
	"sync/atomic"
)

// labeledCounter is a total plus per-label breakdown.
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) add(label string, n uint64) {
	atomic.AddUint64(&c.total, n)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label] += n
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rl       labeledCounter // HTTP 429 by path prefix
	jobRuns  labeledCounter // batch runs by job name
	jobBusy  labeledCounter // overlapping runs rejected by job name
	rules    labeledCounter // rule outcomes: executed, skipped, error
	pendings labeledCounter // resumed continuations by final status
	actions  labeledCounter // action failures by action type

	eventsProcessed uint64
	leadsMoved      uint64
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rl.add(prefix, 1)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rl.snapshot()
}

func IncJobRun(job string)  { jobRuns.add(job, 1) }
func IncJobBusy(job string) { jobBusy.add(job, 1) }

// AddRuleOutcome records n rule firings with the given outcome.
func AddRuleOutcome(outcome string, n int) {
	if n > 0 {
		rules.add(outcome, uint64(n))
	}
}

func IncPendingOutcome(status string)   { pendings.add(status, 1) }
func IncActionFailure(actionType string) { actions.add(actionType, 1) }

func AddEventsProcessed(n int) {
	if n > 0 {
		atomic.AddUint64(&eventsProcessed, uint64(n))
	}
}

func AddLeadsRedistributed(n int) {
	if n > 0 {
		atomic.AddUint64(&leadsMoved, uint64(n))
	}
}

// EngineSnapshot is a point-in-time copy of the engine counters.
type EngineSnapshot struct {
	EventsProcessed    uint64
	LeadsRedistributed uint64
	JobRuns            map[string]uint64
	JobBusy            map[string]uint64
	Rules              map[string]uint64
	Pending            map[string]uint64
	ActionFailures     map[string]uint64
}

func Snapshot() EngineSnapshot {
	_, runs := jobRuns.snapshot()
	_, busy := jobBusy.snapshot()
	_, ruleBy := rules.snapshot()
	_, pendingBy := pendings.snapshot()
	_, actionBy := actions.snapshot()
	return EngineSnapshot{
		EventsProcessed:    atomic.LoadUint64(&eventsProcessed),
		LeadsRedistributed: atomic.LoadUint64(&leadsMoved),
		JobRuns:            runs,
		JobBusy:            busy,
		Rules:              ruleBy,
		Pending:            pendingBy,
		ActionFailures:     actionBy,
	}
}

// Reset clears every counter.
func Reset() {
	rl = labeledCounter{}
	jobRuns = labeledCounter{}
	jobBusy = labeledCounter{}
	rules = labeledCounter{}
	pendings = labeledCounter{}
	actions = labeledCounter{}
	atomic.StoreUint64(&eventsProcessed, 0)
	atomic.StoreUint64(&leadsMoved, 0)
}
