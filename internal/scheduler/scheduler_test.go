package scheduler

import (
	"testing"
	"time"
)

func TestParseExpr_5Field(t *testing.T) {
	sched, err := parseExpr("*/5 * * * *", "")
	if err != nil {
		t.Fatalf("expected 5-field expression to parse, got error: %v", err)
	}
	if sched.Next(time.Now()).IsZero() {
		t.Fatal("expected non-zero next time")
	}
}

func TestParseExpr_6Field(t *testing.T) {
	sched, err := parseExpr("0 */5 * * * *", "")
	if err != nil {
		t.Fatalf("expected 6-field expression to parse, got error: %v", err)
	}
	if sched.Next(time.Now()).IsZero() {
		t.Fatal("expected non-zero next time")
	}
}

func TestParseExpr_Invalid(t *testing.T) {
	if _, err := parseExpr("not a cron", ""); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestCronScheduler_ScheduleAndStatus(t *testing.T) {
	c := NewCron("")
	defer c.StopAll()

	if err := c.Schedule("rule-1", "*/5 * * * *", func() {}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	st, ok := c.Status("rule-1")
	if !ok {
		t.Fatal("expected status for registered job")
	}
	if !st.Running {
		t.Error("expected job to be running")
	}
	if st.NextRun.IsZero() {
		t.Error("expected a next run time")
	}

	if _, ok := c.Status("unknown"); ok {
		t.Error("expected no status for unknown job")
	}
}

func TestCronScheduler_ScheduleReplacesExisting(t *testing.T) {
	c := NewCron("")
	defer c.StopAll()

	if err := c.Schedule("rule-1", "0 0 * * *", func() {}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := c.Schedule("rule-1", "*/1 * * * *", func() {}); err != nil {
		t.Fatalf("re-Schedule failed: %v", err)
	}

	st, ok := c.Status("rule-1")
	if !ok {
		t.Fatal("expected status after replacement")
	}
	if until := time.Until(st.NextRun); until > time.Minute+time.Second {
		t.Errorf("expected replacement cadence to apply, next run in %v", until)
	}
}

func TestCronScheduler_Cancel(t *testing.T) {
	c := NewCron("")
	defer c.StopAll()

	if err := c.Schedule("rule-1", "*/5 * * * *", func() {}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	c.Cancel("rule-1")

	if _, ok := c.Status("rule-1"); ok {
		t.Error("expected status to be gone after cancel")
	}
	// Cancelling again is a no-op.
	c.Cancel("rule-1")
}

func TestCronScheduler_StopAll(t *testing.T) {
	c := NewCron("")

	if err := c.Schedule("rule-1", "*/5 * * * *", func() {}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	c.StopAll()

	if _, ok := c.Status("rule-1"); ok {
		t.Error("expected jobs to be cleared after StopAll")
	}
	if err := c.Schedule("rule-2", "*/5 * * * *", func() {}); err == nil {
		t.Error("expected Schedule after StopAll to fail")
	}
	// Idempotent.
	c.StopAll()
}

func TestCronScheduler_FiresCallback(t *testing.T) {
	c := NewCron("")
	defer c.StopAll()

	fired := make(chan struct{}, 1)
	// Every-second cadence via the 6-field form.
	if err := c.Schedule("rule-1", "* * * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("expected scheduled callback to fire")
	}
}
