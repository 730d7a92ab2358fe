package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := store.NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDueRunsReturnsAllDueAndHonorsMax(t *testing.T) {
	next := time.Unix(1_700_000_000, 0).UTC()
	now := time.Unix(1_700_000_005, 0).UTC()
	runs, err := dueRuns("* * * * * *", next, now, 3)
	if err != nil {
		t.Fatalf("dueRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	for i, want := range []int64{1_700_000_000, 1_700_000_001, 1_700_000_002} {
		if runs[i].Unix() != want {
			t.Fatalf("runs[%d] = %v, want %d", i, runs[i].Unix(), want)
		}
	}

	past := time.Unix(1_699_999_999, 0).UTC()
	skipped, err := dueRuns("* * * * * *", next, past, 3)
	if err != nil {
		t.Fatalf("dueRuns: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("len(skipped) = %d, want 0", len(skipped))
	}
}

func TestRunNowSkipsWhenOverlapAndAlreadyRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	bus := broadcast.New()
	runner := NewRunner(st, bus, 1, 30*24*time.Hour, 1000)

	now := time.Now()
	c := &domain.CronRecord{
		CronID: "cron-overlap", Name: "overlap", Schedule: "* * * * * *", Command: "echo hi",
		Status: domain.CronActive, SkipOverlap: true, CreatedAt: now, UpdatedAt: now, NextRunAt: &now,
	}
	if err := st.UpsertCron(ctx, c); err != nil {
		t.Fatalf("UpsertCron: %v", err)
	}
	if err := st.InsertCronRun(ctx, &domain.CronRunRecord{
		RunID: "run-1", CronID: c.CronID, ScheduledAt: now, StartedAt: &now, Status: domain.CronRunRunning,
	}); err != nil {
		t.Fatalf("InsertCronRun: %v", err)
	}

	run, err := runner.RunNow(ctx, c.CronID, false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != domain.CronRunSkipped {
		t.Fatalf("status = %v, want skipped", run.Status)
	}
}

func TestRunNowSkipsWhenGlobalLimitExhausted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	bus := broadcast.New()
	runner := NewRunner(st, bus, 0, 30*24*time.Hour, 1000)

	now := time.Now()
	c := &domain.CronRecord{
		CronID: "cron-no-cap", Name: "no-cap", Schedule: "* * * * * *", Command: "echo hi",
		Status: domain.CronActive, SkipOverlap: false, CreatedAt: now, UpdatedAt: now, NextRunAt: &now,
	}
	if err := st.UpsertCron(ctx, c); err != nil {
		t.Fatalf("UpsertCron: %v", err)
	}

	run, err := runner.RunNow(ctx, c.CronID, false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != domain.CronRunSkipped {
		t.Fatalf("status = %v, want skipped", run.Status)
	}
}

func TestProcessDueRunsSkipsMissedWindowsWhenOverlapSet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	bus := broadcast.New()
	runner := NewRunner(st, bus, 3, 30*24*time.Hour, 1000)

	now := time.Now().Truncate(time.Second)
	past := now.Add(-5 * time.Second)
	c := &domain.CronRecord{
		CronID: "cron-missed-overlap", Name: "missed-overlap", Schedule: "* * * * * *", Command: "echo overlap",
		Status: domain.CronActive, SkipOverlap: true, CreatedAt: now, UpdatedAt: now, NextRunAt: &past,
	}
	if err := st.UpsertCron(ctx, c); err != nil {
		t.Fatalf("UpsertCron: %v", err)
	}
	running := now.Add(-10 * time.Second)
	if err := st.InsertCronRun(ctx, &domain.CronRunRecord{
		RunID: "cron-running", CronID: c.CronID, ScheduledAt: running, StartedAt: &running, Status: domain.CronRunRunning,
	}); err != nil {
		t.Fatalf("InsertCronRun: %v", err)
	}

	due := []time.Time{now.Add(-3 * time.Second), now.Add(-2 * time.Second), now.Add(-1 * time.Second)}
	if err := runner.processDueRuns(ctx, c, now.Add(time.Second), due); err != nil {
		t.Fatalf("processDueRuns: %v", err)
	}

	runs, err := st.ListCronRuns(ctx, c.CronID, 10)
	if err != nil {
		t.Fatalf("ListCronRuns: %v", err)
	}
	skipped := 0
	for _, r := range runs {
		if r.Status == domain.CronRunSkipped {
			skipped++
		}
	}
	if skipped != len(due) {
		t.Fatalf("skipped = %d, want %d", skipped, len(due))
	}

	latest, err := st.GetCron(ctx, c.CronID)
	if err != nil {
		t.Fatalf("GetCron: %v", err)
	}
	if latest.LastRunAt == nil || !latest.LastRunAt.Equal(due[len(due)-1]) {
		t.Fatalf("last_run_at = %v, want %v", latest.LastRunAt, due[len(due)-1])
	}
}

func TestProcessDueRunsRunsEachWindowWhenOverlapNotSet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	bus := broadcast.New()
	runner := NewRunner(st, bus, 3, 30*24*time.Hour, 1000)

	now := time.Now().Truncate(time.Second)
	past := now.Add(-5 * time.Second)
	c := &domain.CronRecord{
		CronID: "cron-missed-non-overlap", Name: "missed-non-overlap", Schedule: "* * * * * *", Command: "echo none",
		Status: domain.CronActive, SkipOverlap: false, CreatedAt: now, UpdatedAt: now, NextRunAt: &past,
	}
	if err := st.UpsertCron(ctx, c); err != nil {
		t.Fatalf("UpsertCron: %v", err)
	}

	due := []time.Time{now.Add(-3 * time.Second), now.Add(-2 * time.Second), now.Add(-1 * time.Second)}
	if err := runner.processDueRuns(ctx, c, now.Add(time.Second), due); err != nil {
		t.Fatalf("processDueRuns: %v", err)
	}

	waitForRunCount(t, st, c.CronID, len(due))

	latest, err := st.GetCron(ctx, c.CronID)
	if err != nil {
		t.Fatalf("GetCron: %v", err)
	}
	if latest.LastRunAt == nil || !latest.LastRunAt.Equal(due[len(due)-1]) {
		t.Fatalf("last_run_at = %v, want %v", latest.LastRunAt, due[len(due)-1])
	}
}

func waitForRunCount(t *testing.T, st store.Store, cronID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := st.ListCronRuns(context.Background(), cronID, 10)
		if err != nil {
			t.Fatalf("ListCronRuns: %v", err)
		}
		if len(runs) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run count for %s did not reach %d before deadline", cronID, want)
}
