package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddAndFire(t *testing.T) {
	var calls atomic.Int32
	sched := New(nil)

	err := sched.Add("health", "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	sched.Start(ctx)

	if calls.Load() == 0 {
		t.Error("expected at least one call")
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	if err := sched.Add("health", "invalid-cron", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.Len() != 0 {
		t.Errorf("Len = %d", sched.Len())
	}
}

func TestAddReplacesSameName(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.Add("sweep", "@every 1h", noop)
	sched.Add("sweep", "@every 2h", noop)
	sched.Add("health", "@every 5m", noop)

	if sched.Len() != 2 {
		t.Errorf("Len = %d", sched.Len())
	}
	if len(sched.cron.Entries()) != 2 {
		t.Errorf("cron entries = %d", len(sched.cron.Entries()))
	}
	names := sched.Names()
	if len(names) != 2 || names[0] != "health" || names[1] != "sweep" {
		t.Errorf("Names = %v", names)
	}
}

func TestRemove(t *testing.T) {
	sched := New(nil)
	sched.Add("health", "@every 1h", func(context.Context) error { return nil })
	sched.Remove("health")
	sched.Remove("missing")
	if sched.Len() != 0 {
		t.Errorf("Len = %d after remove", sched.Len())
	}
}

func TestRunNow(t *testing.T) {
	sched := New(nil)
	want := errors.New("db down")
	sched.Add("health", "@every 1h", func(context.Context) error { return want })

	if err := sched.RunNow(context.Background(), "health"); !errors.Is(err, want) {
		t.Errorf("RunNow = %v", err)
	}
	if err := sched.RunNow(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	sched := New(nil)
	sched.run("boom", func(context.Context) error { panic("bad job") })
}
