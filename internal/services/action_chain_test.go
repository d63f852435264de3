package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadflow/internal/models"
)

func newStubRunner(t *testing.T, clock *testClock, handlers ...*stubAction) *ChainRunner {
	t.Helper()
	reg := NewActionRegistry()
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	r := NewChainRunner(reg, quietLogger(), 5)
	r.SetClock(clock.Now)
	return r
}

func stub(typ string) models.Action {
	return models.Action{Type: typ, Config: map[string]interface{}{"text": "x"}}
}

func TestChainRunner_ContinueOnFailure(t *testing.T) {
	clock := newTestClock()
	ok := &stubAction{typ: "ok"}
	bad := &stubAction{typ: "bad", err: errors.New("down")}
	r := newStubRunner(t, clock, ok, bad)

	out := r.Run(context.Background(), []models.Action{stub("bad"), stub("ok"), stub("ok")}, 0, &ActionContext{}, ContinueOnFailure, 1)
	if out.Succeeded != 2 || out.Failed != 1 || out.FailedIndex != -1 || out.Suspended {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.Entries) != 3 || out.Entries[0].Status != "error" || out.Entries[0].Error == "" {
		t.Fatalf("entries = %+v", out.Entries)
	}
	if ok.calls != 2 {
		t.Errorf("actions after a failure must still run")
	}
}

func TestChainRunner_StopOnFailure(t *testing.T) {
	clock := newTestClock()
	ok := &stubAction{typ: "ok"}
	bad := &stubAction{typ: "bad", err: errors.New("down")}
	r := newStubRunner(t, clock, ok, bad)

	out := r.Run(context.Background(), []models.Action{stub("ok"), stub("bad"), stub("ok")}, 0, &ActionContext{}, StopOnFailure, 2)
	if out.FailedIndex != 1 || ok.calls != 1 {
		t.Fatalf("runner must halt at the failure: %+v", out)
	}
	for _, e := range out.Entries {
		if e.Attempt != 2 {
			t.Errorf("attempt = %d, want 2", e.Attempt)
		}
	}
}

func TestChainRunner_WaitSuspends(t *testing.T) {
	clock := newTestClock()
	ok := &stubAction{typ: "ok"}
	r := newStubRunner(t, clock, ok)
	actions := []models.Action{
		stub("ok"),
		{Type: ActionWait, Config: map[string]interface{}{"minutes": float64(10)}},
		stub("ok"),
	}

	out := r.Run(context.Background(), actions, 0, &ActionContext{}, ContinueOnFailure, 1)
	if !out.Suspended || out.ResumeIndex != 2 {
		t.Fatalf("expected suspension before index 2: %+v", out)
	}
	if !out.WaitUntil.Equal(clock.Now().Add(10 * time.Minute)) {
		t.Errorf("wait until = %v", out.WaitUntil)
	}
	if ok.calls != 1 {
		t.Errorf("action after wait ran inline")
	}
	if last := out.Entries[len(out.Entries)-1]; last.Status != "waiting" || last.Index != 1 {
		t.Errorf("wait entry = %+v", last)
	}

	// resume from the cursor
	out = r.Run(context.Background(), actions, out.ResumeIndex, &ActionContext{}, StopOnFailure, 1)
	if out.Suspended || out.Succeeded != 1 || out.Entries[0].Index != 2 {
		t.Fatalf("resume outcome = %+v", out)
	}
}

func TestChainRunner_CancelledContext(t *testing.T) {
	ok := &stubAction{typ: "ok"}
	r := newStubRunner(t, newTestClock(), ok)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := r.Run(ctx, []models.Action{stub("ok"), stub("ok")}, 0, &ActionContext{}, ContinueOnFailure, 1)
	if ok.calls != 0 || out.FailedIndex != 0 {
		t.Fatalf("cancelled run executed actions: %+v", out)
	}
}

func TestActionsHash(t *testing.T) {
	a := []models.Action{stub("ok"), {Type: ActionWait, Config: map[string]interface{}{"minutes": 5}}}
	b := []models.Action{stub("ok"), {Type: ActionWait, Config: map[string]interface{}{"minutes": 5}}}
	c := []models.Action{stub("ok"), {Type: ActionWait, Config: map[string]interface{}{"minutes": 6}}}
	if ActionsHash(a) != ActionsHash(b) {
		t.Fatal("equal lists must hash equal")
	}
	if ActionsHash(a) == ActionsHash(c) {
		t.Fatal("edited list must hash differently")
	}
}

func TestLogStatusFromEntries(t *testing.T) {
	e := func(i int, s string) models.ActionLogEntry { return models.ActionLogEntry{Index: i, Status: s} }
	cases := []struct {
		name    string
		entries []models.ActionLogEntry
		want    string
	}{
		{"empty", nil, models.LogStatusSuccess},
		{"all ok", []models.ActionLogEntry{e(0, "success"), e(1, "waiting"), e(2, "success")}, models.LogStatusSuccess},
		{"mixed", []models.ActionLogEntry{e(0, "success"), e(1, "error")}, models.LogStatusPartial},
		{"all failed", []models.ActionLogEntry{e(0, "error")}, models.LogStatusError},
		{"retried ok", []models.ActionLogEntry{e(0, "success"), e(1, "error"), e(1, "success")}, models.LogStatusSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := logStatusFromEntries(tc.entries); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}
