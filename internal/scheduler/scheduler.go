// Package scheduler provides the cron scheduling port used by the
// automation engine for schedule-triggered rules, plus the default
// robfig/cron-backed implementation. The engine only sees the
// Scheduler interface, so hosts may substitute their own cadence
// source.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Status reports a registered job's state.
type Status struct {
	Running bool      `json:"running"`
	NextRun time.Time `json:"nextDate"`
}

// Scheduler registers recurring callbacks keyed by job ID.
type Scheduler interface {
	// Schedule registers fn to run on the cron cadence. Scheduling an
	// ID that already exists replaces the previous registration.
	Schedule(id, cronExpr string, fn func()) error
	// Status reports the job's state; ok is false for unknown IDs.
	Status(id string) (Status, bool)
	// Cancel deregisters the job. Unknown IDs are a no-op.
	Cancel(id string)
	// StopAll cancels every job and stops the underlying ticker.
	StopAll()
}

// parseExpr tries 6-field (with seconds) then 5-field (standard)
// parsing. A non-UTC timezone is applied via the CRON_TZ= prefix.
func parseExpr(expr, timezone string) (cron.Schedule, error) {
	if timezone != "" && timezone != "UTC" {
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	parser6 := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser6.Parse(expr)
	if err == nil {
		return sched, nil
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(expr)
}

// CronScheduler implements Scheduler over robfig/cron.
type CronScheduler struct {
	cron     *cron.Cron
	timezone string

	mu      sync.Mutex
	entries map[string]cron.EntryID
	stopped bool
}

// NewCron creates a started CronScheduler. timezone applies to every
// expression that does not carry its own CRON_TZ prefix; empty means
// UTC.
func NewCron(timezone string) *CronScheduler {
	c := &CronScheduler{
		cron:     cron.New(cron.WithSeconds()),
		timezone: timezone,
		entries:  make(map[string]cron.EntryID),
	}
	c.cron.Start()
	return c
}

func (c *CronScheduler) Schedule(id, cronExpr string, fn func()) error {
	sched, err := parseExpr(cronExpr, c.timezone)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if old, ok := c.entries[id]; ok {
		c.cron.Remove(old)
	}
	c.entries[id] = c.cron.Schedule(sched, cron.FuncJob(fn))
	slog.Info("scheduler: registered cron job", "id", id, "cron", cronExpr)
	return nil
}

func (c *CronScheduler) Status(id string) (Status, bool) {
	c.mu.Lock()
	entryID, ok := c.entries[id]
	stopped := c.stopped
	c.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	entry := c.cron.Entry(entryID)
	return Status{
		Running: !stopped && entry.Valid(),
		NextRun: entry.Next,
	}, true
}

func (c *CronScheduler) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entryID, ok := c.entries[id]; ok {
		c.cron.Remove(entryID)
		delete(c.entries, id)
		slog.Info("scheduler: removed cron job", "id", id)
	}
}

// StopAll stops the cron runner. Jobs already in flight run to
// completion; nothing fires afterwards.
func (c *CronScheduler) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for id, entryID := range c.entries {
		c.cron.Remove(entryID)
		delete(c.entries, id)
	}
	c.cron.Stop()
	slog.Info("scheduler: stopped")
}
