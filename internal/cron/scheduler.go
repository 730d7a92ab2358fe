// Package cron schedules and executes operator-defined shell commands on a
// cron expression, persisting every run through store.Store and emitting
// reap events for the gateway's broadcast bus (spec.md §4.5 "Cron
// scheduler").
package cron

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/store"
)

const (
	tickInterval    = 1 * time.Second
	pruneInterval   = 1 * time.Hour
	maxMissedRuns   = 32
	maxOutputBytes  = 16 * 1024
)

// Runner ticks the schedule, starts due runs bounded by a global
// concurrency semaphore, and records every run's result.
type Runner struct {
	store           store.Store
	bus             *broadcast.Bus
	maxConcurrency  int
	slots           chan struct{}
	pruneRetention  time.Duration
	pruneMaxPerCron int
}

// NewRunner builds a Runner. maxConcurrentRuns bounds how many commands may
// execute at once across every cron entry.
func NewRunner(st store.Store, bus *broadcast.Bus, maxConcurrentRuns int, pruneRetention time.Duration, pruneMaxPerCron int) *Runner {
	return &Runner{
		store:           st,
		bus:             bus,
		maxConcurrency:  maxConcurrentRuns,
		slots:           make(chan struct{}, maxConcurrentRuns),
		pruneRetention:  pruneRetention,
		pruneMaxPerCron: pruneMaxPerCron,
	}
}

// Run drives the scheduler's tick and hourly prune loop until ctx is
// canceled.
func (r *Runner) Run(ctx context.Context) {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := r.tickOnce(ctx); err != nil {
				slog.Warn("cron scheduler tick failed", "err", err)
			}
		case <-prune.C:
			if _, err := r.store.PruneCronRuns(ctx, r.pruneRetention, r.pruneMaxPerCron); err != nil {
				slog.Warn("cron run prune failed", "err", err)
			}
		}
	}
}

func (r *Runner) tickOnce(ctx context.Context) error {
	now := time.Now()
	crons, err := r.store.ListActiveCrons(ctx)
	if err != nil {
		return err
	}

	for _, c := range crons {
		if c.NextRunAt == nil {
			next, err := scheduleNextAfter(c.Schedule, now)
			if err != nil {
				slog.Warn("invalid cron schedule", "cron_id", c.CronID, "err", err)
				continue
			}
			c.NextRunAt = &next
			c.UpdatedAt = now
			if err := r.store.UpsertCron(ctx, c); err != nil {
				return err
			}
			continue
		}

		due, err := dueRuns(c.Schedule, *c.NextRunAt, now, maxMissedRuns)
		if err != nil {
			slog.Warn("invalid cron schedule", "cron_id", c.CronID, "err", err)
			continue
		}
		if len(due) == 0 {
			continue
		}
		if err := r.processDueRuns(ctx, c, now, due); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) processDueRuns(ctx context.Context, c *domain.CronRecord, now time.Time, due []time.Time) error {
	lastDue := due[len(due)-1]
	nextRunAt, err := scheduleNextAfter(c.Schedule, lastDue)
	if err != nil {
		return err
	}

	if c.SkipOverlap {
		running, err := r.store.HasRunningCronRun(ctx, c.CronID)
		if err != nil {
			return err
		}
		if running {
			for _, scheduledAt := range due {
				r.recordSkippedRun(ctx, c, scheduledAt, now, "overlapped with running cron run")
			}
		} else {
			r.startRun(ctx, c, due[0])
			for _, scheduledAt := range due[1:] {
				r.recordSkippedRun(ctx, c, scheduledAt, now, "overlapped due to missed execution")
			}
		}
	} else {
		for _, scheduledAt := range due {
			r.startRun(ctx, c, scheduledAt)
		}
	}

	c.LastRunAt = &lastDue
	c.NextRunAt = &nextRunAt
	c.UpdatedAt = now
	return r.store.UpsertCron(ctx, c)
}

// RunNow executes cronID immediately, honoring skip_overlap unless force is
// set (spec.md §4.5 "Manual run").
func (r *Runner) RunNow(ctx context.Context, cronID string, force bool) (*domain.CronRunRecord, error) {
	c, err := r.store.GetCron(ctx, cronID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("unknown cron: %s", cronID)
	}
	if c.Status == domain.CronPaused {
		return nil, fmt.Errorf("cron is paused")
	}

	now := time.Now()
	if !force && c.SkipOverlap {
		running, err := r.store.HasRunningCronRun(ctx, c.CronID)
		if err != nil {
			return nil, err
		}
		if running {
			run := r.recordSkippedRun(ctx, c, now, now, "overlapped with running cron run")
			c.LastRunAt = &now
			c.UpdatedAt = now
			if err := r.store.UpsertCron(ctx, c); err != nil {
				return nil, err
			}
			return run, nil
		}
	}

	nextRunAt, err := scheduleNextAfter(c.Schedule, now)
	if err != nil {
		return nil, err
	}
	c.NextRunAt = &nextRunAt
	c.LastRunAt = &now
	c.UpdatedAt = now
	if err := r.store.UpsertCron(ctx, c); err != nil {
		return nil, err
	}

	return r.startRun(ctx, c, now), nil
}

func (r *Runner) recordSkippedRun(ctx context.Context, c *domain.CronRecord, scheduledAt, timestamp time.Time, reason string) *domain.CronRunRecord {
	run := &domain.CronRunRecord{
		RunID: uuid.New().String(), CronID: c.CronID, ScheduledAt: scheduledAt,
		StartedAt: &timestamp, FinishedAt: &timestamp, Status: domain.CronRunSkipped, Error: reason,
	}
	if err := r.store.InsertCronRun(ctx, run); err != nil {
		slog.Warn("persist skipped cron run failed", "cron_id", c.CronID, "err", err)
	}
	r.emit("cron.run.skipped", map[string]any{
		"cron_id": c.CronID, "run_id": run.RunID, "scheduled_at": run.ScheduledAt, "status": run.Status, "reason": reason,
	})
	return run
}

// startRun attempts to claim a concurrency slot; if none is free the run is
// recorded as skipped instead of queued (spec.md §4.5 "global concurrency
// limit").
func (r *Runner) startRun(ctx context.Context, c *domain.CronRecord, scheduledAt time.Time) *domain.CronRunRecord {
	select {
	case r.slots <- struct{}{}:
	default:
		return r.recordSkippedRun(ctx, c, scheduledAt, time.Now(),
			fmt.Sprintf("global cron concurrency limit reached: %d", r.maxConcurrency))
	}

	startedAt := time.Now()
	run := &domain.CronRunRecord{
		RunID: uuid.New().String(), CronID: c.CronID, ScheduledAt: scheduledAt,
		StartedAt: &startedAt, Status: domain.CronRunRunning,
	}
	if err := r.store.InsertCronRun(ctx, run); err != nil {
		slog.Warn("persist cron run failed", "cron_id", c.CronID, "err", err)
	}
	r.emit("cron.run.started", map[string]any{
		"cron_id": c.CronID, "run_id": run.RunID, "scheduled_at": run.ScheduledAt, "status": run.Status,
	})

	command := c.Command
	cronID := c.CronID
	go func() {
		defer func() { <-r.slots }()
		status, exitCode, output, execErr := executeCommand(command)
		finishedAt := time.Now()
		run.Status = status
		run.ExitCode = exitCode
		run.Output = output
		run.Error = execErr
		run.FinishedAt = &finishedAt

		if err := r.store.UpdateCronRun(context.Background(), run); err != nil {
			slog.Warn("persist cron run result failed", "run_id", run.RunID, "cron_id", cronID, "err", err)
		}
		r.emit("cron.run.completed", map[string]any{
			"cron_id": cronID, "run_id": run.RunID, "scheduled_at": run.ScheduledAt,
			"started_at": run.StartedAt, "finished_at": run.FinishedAt,
			"status": run.Status, "exit_code": run.ExitCode, "error": run.Error,
		})
	}()

	return run
}

func (r *Runner) emit(topic string, params map[string]any) {
	r.bus.Publish(broadcast.Event{Topic: topic, Params: params})
}

func executeCommand(command string) (domain.CronRunStatus, *int, string, string) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/C", command)
	} else {
		cmd = exec.Command("sh", "-lc", command)
	}

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	err := cmd.Run()

	output := combined.String()
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes]
	}

	exitCode := cmd.ProcessState.ExitCode()
	if err != nil {
		msg := output
		if msg == "" {
			msg = "command exited with failure"
		}
		return domain.CronRunFailed, &exitCode, output, msg
	}
	return domain.CronRunSucceeded, &exitCode, output, ""
}

// scheduleNextAfter returns the next time expression fires strictly after
// after.
func scheduleNextAfter(expression string, after time.Time) (time.Time, error) {
	schedule, err := parseSchedule(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// dueRuns returns every scheduled fire time from nextRunAt up to now,
// capped at max entries (spec.md §4.5 "due_runs").
func dueRuns(expression string, nextRunAt, now time.Time, max int) ([]time.Time, error) {
	if now.Before(nextRunAt) {
		return nil, nil
	}
	schedule, err := parseSchedule(expression)
	if err != nil {
		return nil, err
	}

	cursor := nextRunAt.Add(-time.Second)
	var runs []time.Time
	for i := 0; i < max; i++ {
		next := schedule.Next(cursor)
		if next.After(now) {
			break
		}
		runs = append(runs, next)
		cursor = next
	}
	return runs, nil
}

func parseSchedule(expression string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	return schedule, nil
}
