package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/version"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MetricsHandler 以 Prometheus 文本格式输出引擎计数器
type MetricsHandler struct {
	db        *gorm.DB
	startedAt time.Time
}

func NewMetricsHandler(db *gorm.DB) *MetricsHandler {
	return &MetricsHandler{db: db, startedAt: time.Now()}
}

func writeMetric(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

// writeLabeled prints one sample per label, sorted for stable output.
func writeLabeled(b *strings.Builder, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, strings.ReplaceAll(k, "\"", "\\\""), values[k])
	}
}

// GetMetrics GET /metrics
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	snap := metrics.Snapshot()
	b := &strings.Builder{}

	writeMetric(b, "leadflow_info", "Information about the leadflow instance", "gauge")
	fmt.Fprintf(b, "leadflow_info{version=\"%s\",commit=\"%s\"} 1\n", version.Version, version.Commit)

	writeMetric(b, "leadflow_uptime_seconds", "Uptime in seconds", "counter")
	fmt.Fprintf(b, "leadflow_uptime_seconds %.0f\n", time.Since(h.startedAt).Seconds())

	writeMetric(b, "leadflow_events_processed_total", "Events consumed by the orchestrator", "counter")
	fmt.Fprintf(b, "leadflow_events_processed_total %d\n", snap.EventsProcessed)

	writeMetric(b, "leadflow_rule_outcomes_total", "Rule firings by outcome", "counter")
	writeLabeled(b, "leadflow_rule_outcomes_total", "outcome", snap.Rules)

	writeMetric(b, "leadflow_pending_outcomes_total", "Resumed continuations by final status", "counter")
	writeLabeled(b, "leadflow_pending_outcomes_total", "status", snap.Pending)

	writeMetric(b, "leadflow_action_failures_total", "Failed actions by type", "counter")
	writeLabeled(b, "leadflow_action_failures_total", "type", snap.ActionFailures)

	writeMetric(b, "leadflow_leads_redistributed_total", "Leads moved by the SLA sweep", "counter")
	fmt.Fprintf(b, "leadflow_leads_redistributed_total %d\n", snap.LeadsRedistributed)

	writeMetric(b, "leadflow_job_runs_total", "Batch job runs", "counter")
	writeLabeled(b, "leadflow_job_runs_total", "job", snap.JobRuns)

	writeMetric(b, "leadflow_job_busy_total", "Batch job runs rejected because a previous run was active", "counter")
	writeLabeled(b, "leadflow_job_busy_total", "job", snap.JobBusy)

	_, drops := metrics.RateLimitSnapshot()
	writeMetric(b, "leadflow_ratelimit_dropped_total", "HTTP 429 responses due to rate limiting", "counter")
	writeLabeled(b, "leadflow_ratelimit_dropped_total", "prefix", drops)

	writeMetric(b, "leadflow_go_goroutines", "Number of goroutines", "gauge")
	fmt.Fprintf(b, "leadflow_go_goroutines %d\n", runtime.NumGoroutine())

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			ds := sqlDB.Stats()
			writeMetric(b, "leadflow_db_open_connections", "Established connections both in use and idle", "gauge")
			fmt.Fprintf(b, "leadflow_db_open_connections %d\n", ds.OpenConnections)
			writeMetric(b, "leadflow_db_inuse_connections", "Connections currently in use", "gauge")
			fmt.Fprintf(b, "leadflow_db_inuse_connections %d\n", ds.InUse)
			writeMetric(b, "leadflow_db_wait_count", "Total connections waited for", "counter")
			fmt.Fprintf(b, "leadflow_db_wait_count %d\n", ds.WaitCount)
		}
	}

	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}
