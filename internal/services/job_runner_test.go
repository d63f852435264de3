package services

import (
	"context"
	"testing"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/models"
)

func TestJobRunner_RunsBatches(t *testing.T) {
	h := newHarness(t)
	locker := NewDBJobLocker(h.db)
	locker.now = h.clock.Now
	runner := NewJobRunner(h.engine, h.delays, h.sla, locker, JobRunnerOptions{}, quietLogger())
	ctx := context.Background()

	f := h.seedCRM(t, 1)
	h.createAutomation(t, &AutomationRequest{
		TenantID: 1, Name: "boas vindas", TriggerType: EventLeadCreated,
		Actions: []models.Action{{Type: "send_whatsapp", Config: map[string]interface{}{"message": "oi"}}},
	})
	h.appendEvent(t, 1, EventLeadCreated, f.lead.ID, nil)

	before := metrics.Snapshot().JobRuns[JobProcessEvents]
	res, err := runner.ProcessEvents(ctx)
	if err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}
	if res.Processed != 1 || res.Executed != 1 {
		t.Fatalf("unexpected batch: %+v", res)
	}
	if got := metrics.Snapshot().JobRuns[JobProcessEvents]; got != before+1 {
		t.Errorf("job runs = %d, want %d", got, before+1)
	}

	dres, err := runner.ProcessDelays(ctx)
	if err != nil || dres.Processed != 0 {
		t.Fatalf("ProcessDelays: %+v %v", dres, err)
	}
	sres, err := runner.ProcessSLA(ctx)
	if err != nil || sres.Redistributed != 0 || sres.Logs == nil {
		t.Fatalf("ProcessSLA: %+v %v", sres, err)
	}
}

func TestJobRunner_BusyLeaseSkipsRun(t *testing.T) {
	h := newHarness(t)
	locker := NewDBJobLocker(h.db)
	locker.now = h.clock.Now
	runner := NewJobRunner(h.engine, h.delays, h.sla, locker, JobRunnerOptions{LockTTL: time.Minute}, quietLogger())
	ctx := context.Background()

	f := h.seedCRM(t, 1)
	h.appendEvent(t, 1, EventLeadCreated, f.lead.ID, nil)

	held, err := locker.Acquire(ctx, JobProcessEvents, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	busyBefore := metrics.Snapshot().JobBusy[JobProcessEvents]

	res, err := runner.ProcessEvents(ctx)
	if !IsJobBusy(err) || res != nil {
		t.Fatalf("expected busy, got %+v %v", res, err)
	}
	if got := metrics.Snapshot().JobBusy[JobProcessEvents]; got != busyBefore+1 {
		t.Errorf("busy counter = %d, want %d", got, busyBefore+1)
	}
	pending, _ := h.store.FetchUnprocessed(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("busy run must not consume events")
	}

	_ = held(ctx)
	if _, err := runner.ProcessEvents(ctx); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}
