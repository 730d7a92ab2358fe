// Package store provides data persistence interfaces and implementations
// for the gateway's durable state: terminal rows, chat/thread snapshots,
// the raw event log used for rehydration, and cron jobs + their runs
// (spec.md §3 "Store", §4.4 "Persistence contracts", §4.5 "Cron scheduler").
package store

import (
	"context"
	"time"

	"github.com/ashureev/homie-gateway/internal/domain"
)

// Store defines the durable operations every gateway component depends on.
// It is safe for concurrent use; the store itself mediates access (spec.md
// §3 "the store itself mediates concurrent access").
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Terminal sessions.
	UpsertTerminalSession(ctx context.Context, session *domain.TerminalSession) error
	GetTerminalSession(ctx context.Context, sessionID string) (*domain.TerminalSession, error)
	ListTerminalSessions(ctx context.Context) ([]*domain.TerminalSession, error)
	MarkTerminalExited(ctx context.Context, sessionID string, exitCode int) error
	DeleteTerminalSession(ctx context.Context, sessionID string) error

	// Chats and thread snapshots.
	UpsertChat(ctx context.Context, chat *domain.ChatRecord) error
	GetChat(ctx context.Context, chatID string) (*domain.ChatRecord, error)
	AdvanceEventPointer(ctx context.Context, chatID string, newValue int64) error

	UpsertChatThreadState(ctx context.Context, threadID string, snapshot *domain.ThreadSnapshot) error
	GetChatThreadState(ctx context.Context, threadID string) (*domain.ThreadSnapshot, error)
	DeleteChatThreadState(ctx context.Context, threadID string) error

	// Raw event log, used for rehydration when no snapshot exists yet and
	// for client-facing event history (spec.md §4.4).
	InsertChatRawEvent(ctx context.Context, runID, threadID, method string, paramsJSON []byte) error
	ListChatRawEvents(ctx context.Context, threadID string, limit int) ([]RawEvent, error)
	PruneChatRawEvents(ctx context.Context, keepLastNRuns int) error

	// Cron jobs and runs.
	UpsertCron(ctx context.Context, cron *domain.CronRecord) error
	GetCron(ctx context.Context, cronID string) (*domain.CronRecord, error)
	ListActiveCrons(ctx context.Context) ([]*domain.CronRecord, error)
	ListCrons(ctx context.Context) ([]*domain.CronRecord, error)
	DeleteCron(ctx context.Context, cronID string) error

	InsertCronRun(ctx context.Context, run *domain.CronRunRecord) error
	UpdateCronRun(ctx context.Context, run *domain.CronRunRecord) error
	HasRunningCronRun(ctx context.Context, cronID string) (bool, error)
	ListCronRuns(ctx context.Context, cronID string, limit int) ([]*domain.CronRunRecord, error)
	PruneCronRuns(ctx context.Context, retention time.Duration, maxRunsPerCron int) (int64, error)
}

// RawEvent is one append-only entry of the chat raw-event log, used to
// rehydrate a thread when no compacted snapshot is available.
type RawEvent struct {
	RunID     string
	ThreadID  string
	Method    string
	Params    []byte
	CreatedAt time.Time
}
