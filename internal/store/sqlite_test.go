package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/homie-gateway/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.(*SQLiteStore)
}

func TestTerminalSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &domain.TerminalSession{
		SessionID: "sess-1",
		Name:      "main",
		Shell:     "/bin/bash",
		Cols:      80,
		Rows:      24,
		StartedAt: time.Now().Truncate(time.Second),
		Status:    domain.SessionActive,
	}
	if err := s.UpsertTerminalSession(ctx, session); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetTerminalSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Shell != "/bin/bash" || got.Status != domain.SessionActive {
		t.Fatalf("got = %+v", got)
	}

	if err := s.MarkTerminalExited(ctx, "sess-1", 7); err != nil {
		t.Fatalf("mark exited: %v", err)
	}
	got, _ = s.GetTerminalSession(ctx, "sess-1")
	if got.Status != domain.SessionExited || got.ExitCode == nil || *got.ExitCode != 7 {
		t.Fatalf("got = %+v, want exited with code 7", got)
	}
}

func TestGetTerminalSessionMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetTerminalSession(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("got = %+v, want nil", got)
	}
}

func TestListTerminalSessionsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		s.UpsertTerminalSession(ctx, &domain.TerminalSession{
			SessionID: id, Name: id, Shell: "/bin/sh", Cols: 80, Rows: 24,
			StartedAt: base.Add(time.Duration(i) * time.Second), Status: domain.SessionActive,
		})
	}

	sessions, err := s.ListTerminalSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len = %d, want 3", len(sessions))
	}
	if sessions[0].SessionID != "a" || sessions[2].SessionID != "c" {
		t.Fatalf("unexpected order: %v", sessions)
	}
}

func TestChatAndThreadStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := &domain.ChatRecord{
		ChatID:    "chat-1",
		ThreadID:  "thread-1",
		CreatedAt: time.Now().Truncate(time.Second),
		Status:    domain.ChatIdle,
		Settings:  map[string]any{"model": "gpt"},
	}
	if err := s.UpsertChat(ctx, chat); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	got, err := s.GetChat(ctx, "chat-1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got == nil || got.ThreadID != "thread-1" || got.Settings["model"] != "gpt" {
		t.Fatalf("got = %+v", got)
	}

	if err := s.AdvanceEventPointer(ctx, "chat-1", 5); err != nil {
		t.Fatalf("advance pointer: %v", err)
	}
	got, _ = s.GetChat(ctx, "chat-1")
	if got.EventPointer != 5 {
		t.Fatalf("event pointer = %d, want 5", got.EventPointer)
	}
	// Advancing to a lower value must not regress the pointer.
	if err := s.AdvanceEventPointer(ctx, "chat-1", 2); err != nil {
		t.Fatalf("advance pointer: %v", err)
	}
	got, _ = s.GetChat(ctx, "chat-1")
	if got.EventPointer != 5 {
		t.Fatalf("event pointer regressed to %d", got.EventPointer)
	}

	snapshot := &domain.ThreadSnapshot{
		ThreadID: "thread-1",
		Turns:    []domain.Turn{{TurnID: "turn-1", Items: []domain.Item{{ID: "item-1", Kind: domain.ItemUserMessage}}}},
	}
	if err := s.UpsertChatThreadState(ctx, "thread-1", snapshot); err != nil {
		t.Fatalf("upsert thread state: %v", err)
	}
	gotSnap, err := s.GetChatThreadState(ctx, "thread-1")
	if err != nil {
		t.Fatalf("get thread state: %v", err)
	}
	if gotSnap == nil || len(gotSnap.Turns) != 1 || gotSnap.Turns[0].TurnID != "turn-1" {
		t.Fatalf("got = %+v", gotSnap)
	}

	if err := s.DeleteChatThreadState(ctx, "thread-1"); err != nil {
		t.Fatalf("delete thread state: %v", err)
	}
	gotSnap, _ = s.GetChatThreadState(ctx, "thread-1")
	if gotSnap != nil {
		t.Fatalf("got = %+v, want nil after delete", gotSnap)
	}
}

func TestChatRawEventsAppendOrderAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.InsertChatRawEvent(ctx, "run-1", "thread-1", "chat.item.started", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.InsertChatRawEvent(ctx, "run-2", "thread-1", "chat.turn.completed", []byte(`{}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	events, err := s.ListChatRawEvents(ctx, "thread-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("len = %d, want 4", len(events))
	}
	if events[3].RunID != "run-2" {
		t.Fatalf("last event run = %q, want run-2", events[3].RunID)
	}

	if err := s.PruneChatRawEvents(ctx, 1); err != nil {
		t.Fatalf("prune: %v", err)
	}
	events, _ = s.ListChatRawEvents(ctx, "thread-1", 10)
	for _, ev := range events {
		if ev.RunID != "run-2" {
			t.Fatalf("expected only run-2 events to survive pruning, found %q", ev.RunID)
		}
	}
}

func TestCronRoundTripAndActiveFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	active := &domain.CronRecord{
		CronID: "cron-1", Name: "backup", Schedule: "@hourly", Command: "backup.sh",
		Status: domain.CronActive, CreatedAt: now, UpdatedAt: now,
	}
	paused := &domain.CronRecord{
		CronID: "cron-2", Name: "report", Schedule: "@daily", Command: "report.sh",
		Status: domain.CronPaused, CreatedAt: now, UpdatedAt: now,
	}
	s.UpsertCron(ctx, active)
	s.UpsertCron(ctx, paused)

	actives, err := s.ListActiveCrons(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(actives) != 1 || actives[0].CronID != "cron-1" {
		t.Fatalf("actives = %+v", actives)
	}

	all, err := s.ListCrons(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %+v, err = %v", all, err)
	}

	if err := s.DeleteCron(ctx, "cron-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ = s.ListCrons(ctx)
	if len(all) != 1 {
		t.Fatalf("len after delete = %d, want 1", len(all))
	}
}

func TestCronRunLifecycleAndConcurrencyCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	run := &domain.CronRunRecord{
		RunID: "run-1", CronID: "cron-1", ScheduledAt: now, Status: domain.CronRunRunning, StartedAt: &now,
	}
	if err := s.InsertCronRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	running, err := s.HasRunningCronRun(ctx, "cron-1")
	if err != nil {
		t.Fatalf("has running: %v", err)
	}
	if !running {
		t.Fatal("expected a running run to be reported")
	}

	finished := now.Add(time.Second)
	code := 0
	run.Status = domain.CronRunSucceeded
	run.FinishedAt = &finished
	run.ExitCode = &code
	run.Output = "done"
	if err := s.UpdateCronRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	running, _ = s.HasRunningCronRun(ctx, "cron-1")
	if running {
		t.Fatal("expected no running run after completion")
	}

	runs, err := s.ListCronRuns(ctx, "cron-1", 10)
	if err != nil || len(runs) != 1 || runs[0].Status != domain.CronRunSucceeded {
		t.Fatalf("runs = %+v, err = %v", runs, err)
	}
}

func TestPruneCronRunsByRetentionAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := now.Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		finished := old.Add(time.Duration(i) * time.Minute)
		s.InsertCronRun(ctx, &domain.CronRunRecord{
			RunID: "old-" + string(rune('a'+i)), CronID: "cron-1",
			ScheduledAt: old, FinishedAt: &finished, Status: domain.CronRunSucceeded,
		})
	}
	recent := now.Add(-time.Minute)
	s.InsertCronRun(ctx, &domain.CronRunRecord{
		RunID: "recent-1", CronID: "cron-1", ScheduledAt: recent, FinishedAt: &recent, Status: domain.CronRunSucceeded,
	})

	pruned, err := s.PruneCronRuns(ctx, 24*time.Hour, 100)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned = %d, want 3", pruned)
	}

	runs, _ := s.ListCronRuns(ctx, "cron-1", 10)
	if len(runs) != 1 || runs[0].RunID != "recent-1" {
		t.Fatalf("runs after prune = %+v", runs)
	}
}
