package services

import (
	"context"
	"testing"
	"time"
)

func TestJobScheduler_Specs(t *testing.T) {
	h := newHarness(t)
	runner := NewJobRunner(h.engine, h.delays, h.sla, NoopJobLocker{}, JobRunnerOptions{}, quietLogger())

	s, err := NewJobScheduler(runner, ScheduleSpecs{Events: "@every 30s", Delays: "@every 1m", SLA: "*/5 * * * *"}, quietLogger())
	if err != nil {
		t.Fatalf("NewJobScheduler: %v", err)
	}
	if s.Entries() != 3 {
		t.Fatalf("entries = %d, want 3", s.Entries())
	}

	s, err = NewJobScheduler(runner, ScheduleSpecs{Events: "@every 30s"}, quietLogger())
	if err != nil || s.Entries() != 1 {
		t.Fatalf("empty specs should be skipped: %v", err)
	}

	if _, err := NewJobScheduler(runner, ScheduleSpecs{SLA: "every five minutes"}, quietLogger()); err == nil {
		t.Fatal("invalid spec accepted")
	}
}

func TestJobScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	runner := NewJobRunner(h.engine, h.delays, h.sla, NoopJobLocker{}, JobRunnerOptions{}, quietLogger())
	s, err := NewJobScheduler(runner, ScheduleSpecs{Delays: "@every 1h"}, quietLogger())
	if err != nil {
		t.Fatalf("NewJobScheduler: %v", err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if ctx.Err() != nil {
		t.Fatal("stop should return before the deadline")
	}
}
