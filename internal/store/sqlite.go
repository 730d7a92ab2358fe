package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/shared"
	_ "modernc.org/sqlite"
)

// maxRawEventBytes bounds a single raw event's serialized params (spec.md
// §4.4 "insert_chat_raw_event ... bounded to 64 KiB per event").
const maxRawEventBytes = 64 * 1024

// maxCronOutputBytes bounds a cron run's captured combined output (spec.md
// §4.5 "captures combined stdout+stderr into an up-to-16 KiB buffer").
const maxCronOutputBytes = 16 * 1024

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store, creating the parent
// directory and schema if they do not exist.
func NewSQLite(dbPath string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS terminal_sessions (
		session_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		shell TEXT NOT NULL,
		cols INTEGER NOT NULL,
		rows INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER
	);

	CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		event_pointer INTEGER NOT NULL DEFAULT 0,
		settings_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chats_thread ON chats(thread_id);

	CREATE TABLE IF NOT EXISTS chat_thread_state (
		thread_id TEXT PRIMARY KEY,
		snapshot_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_raw_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		method TEXT NOT NULL,
		params_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_events_thread ON chat_raw_events(thread_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_raw_events_run ON chat_raw_events(run_id, created_at);

	CREATE TABLE IF NOT EXISTS crons (
		cron_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		schedule TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		skip_overlap INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_run_at INTEGER,
		next_run_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS cron_runs (
		run_id TEXT PRIMARY KEY,
		cron_id TEXT NOT NULL,
		scheduled_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		status TEXT NOT NULL,
		exit_code INTEGER,
		output TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cron_runs_cron_sched ON cron_runs(cron_id, scheduled_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff when SQLite reports
// a busy/locked conflict (generalized from the teacher's
// deleteAgentSessionOnce backoff loop to cover every write path).
func withRetry(ctx context.Context, label string, fn func() error) error {
	const maxAttempts = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || attempt == maxAttempts-1 {
			return fmt.Errorf("%s: %w", label, err)
		}
		delay := baseDelay * time.Duration(1<<attempt)
		slog.Debug("sqlite write conflict, retrying", "op", label, "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", label, err)
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// --- Terminal sessions ---

func (s *SQLiteStore) UpsertTerminalSession(ctx context.Context, session *domain.TerminalSession) error {
	return withRetry(ctx, "upsert terminal session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO terminal_sessions (session_id, name, shell, cols, rows, started_at, status, exit_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				name = excluded.name,
				cols = excluded.cols,
				rows = excluded.rows,
				status = excluded.status,
				exit_code = excluded.exit_code`,
			session.SessionID, session.Name, session.Shell, session.Cols, session.Rows,
			session.StartedAt.Unix(), session.Status, nullableInt(session.ExitCode),
		)
		return err
	})
}

func scanTerminalSession(row interface{ Scan(...any) error }) (*domain.TerminalSession, error) {
	var t domain.TerminalSession
	var startedAt int64
	var exitCode sql.NullInt64
	if err := row.Scan(&t.SessionID, &t.Name, &t.Shell, &t.Cols, &t.Rows, &startedAt, &t.Status, &exitCode); err != nil {
		return nil, err
	}
	t.StartedAt = time.Unix(startedAt, 0)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	return &t, nil
}

func (s *SQLiteStore) GetTerminalSession(ctx context.Context, sessionID string) (*domain.TerminalSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, name, shell, cols, rows, started_at, status, exit_code
		FROM terminal_sessions WHERE session_id = ?`, sessionID)
	session, err := scanTerminalSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan terminal session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListTerminalSessions(ctx context.Context) ([]*domain.TerminalSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, name, shell, cols, rows, started_at, status, exit_code
		FROM terminal_sessions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.TerminalSession
	for rows.Next() {
		session, err := scanTerminalSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) MarkTerminalExited(ctx context.Context, sessionID string, exitCode int) error {
	return withRetry(ctx, "mark terminal exited", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE terminal_sessions SET status = ?, exit_code = ? WHERE session_id = ?`,
			domain.SessionExited, exitCode, sessionID,
		)
		return err
	})
}

func (s *SQLiteStore) DeleteTerminalSession(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete terminal session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM terminal_sessions WHERE session_id = ?`, sessionID)
		return err
	})
}

// --- Chats ---

func (s *SQLiteStore) UpsertChat(ctx context.Context, chat *domain.ChatRecord) error {
	var settingsJSON []byte
	if chat.Settings != nil {
		var err error
		settingsJSON, err = json.Marshal(chat.Settings)
		if err != nil {
			return fmt.Errorf("marshal chat settings: %w", err)
		}
	}
	return withRetry(ctx, "upsert chat", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (chat_id, thread_id, created_at, status, event_pointer, settings_json)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				status = excluded.status,
				event_pointer = excluded.event_pointer,
				settings_json = COALESCE(excluded.settings_json, chats.settings_json)`,
			chat.ChatID, chat.ThreadID, chat.CreatedAt.Unix(), chat.Status, chat.EventPointer, settingsJSON,
		)
		return err
	})
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*domain.ChatRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, thread_id, created_at, status, event_pointer, settings_json
		FROM chats WHERE chat_id = ?`, chatID)

	var chat domain.ChatRecord
	var createdAt int64
	var settingsJSON sql.NullString
	if err := row.Scan(&chat.ChatID, &chat.ThreadID, &createdAt, &chat.Status, &chat.EventPointer, &settingsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	chat.CreatedAt = time.Unix(createdAt, 0)
	if settingsJSON.Valid {
		if err := json.Unmarshal([]byte(settingsJSON.String), &chat.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal chat settings: %w", err)
		}
	}
	return &chat, nil
}

func (s *SQLiteStore) AdvanceEventPointer(ctx context.Context, chatID string, newValue int64) error {
	return withRetry(ctx, "advance event pointer", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE chats SET event_pointer = ? WHERE chat_id = ? AND event_pointer < ?`,
			newValue, chatID, newValue,
		)
		return err
	})
}

// --- Chat thread state ---

func (s *SQLiteStore) UpsertChatThreadState(ctx context.Context, threadID string, snapshot *domain.ThreadSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal thread snapshot: %w", err)
	}
	return withRetry(ctx, "upsert chat thread state", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_thread_state (thread_id, snapshot_json, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET
				snapshot_json = excluded.snapshot_json,
				updated_at = excluded.updated_at`,
			threadID, payload, time.Now().Unix(),
		)
		return err
	})
}

func (s *SQLiteStore) GetChatThreadState(ctx context.Context, threadID string) (*domain.ThreadSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT snapshot_json FROM chat_thread_state WHERE thread_id = ?`, threadID)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan thread state: %w", err)
	}

	var snapshot domain.ThreadSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal thread snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *SQLiteStore) DeleteChatThreadState(ctx context.Context, threadID string) error {
	return withRetry(ctx, "delete chat thread state", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_thread_state WHERE thread_id = ?`, threadID)
		return err
	})
}

// --- Raw event log ---

func (s *SQLiteStore) InsertChatRawEvent(ctx context.Context, runID, threadID, method string, paramsJSON []byte) error {
	if len(paramsJSON) > maxRawEventBytes {
		paramsJSON = paramsJSON[:maxRawEventBytes]
	}
	return withRetry(ctx, "insert chat raw event", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_raw_events (run_id, thread_id, method, params_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			runID, threadID, method, paramsJSON, time.Now().Unix(),
		)
		return err
	})
}

func (s *SQLiteStore) ListChatRawEvents(ctx context.Context, threadID string, limit int) ([]RawEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite: a negative LIMIT returns every row
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, method, params_json, created_at
		FROM chat_raw_events WHERE thread_id = ? ORDER BY created_at, id LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat raw events: %w", err)
	}
	defer rows.Close()

	var events []RawEvent
	for rows.Next() {
		var ev RawEvent
		var createdAt int64
		if err := rows.Scan(&ev.RunID, &ev.ThreadID, &ev.Method, &ev.Params, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat raw event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneChatRawEvents retains only the most recent keepLastNRuns distinct
// run_ids (by latest event timestamp) across the whole log, per spec.md
// §4.4 "retains the most recent N runs per the shared chat_runs index".
func (s *SQLiteStore) PruneChatRawEvents(ctx context.Context, keepLastNRuns int) error {
	return withRetry(ctx, "prune chat raw events", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM chat_raw_events WHERE run_id NOT IN (
				SELECT run_id FROM (
					SELECT run_id, MAX(created_at) AS last_seen, MAX(id) AS last_id
					FROM chat_raw_events
					GROUP BY run_id
					ORDER BY last_seen DESC, last_id DESC
					LIMIT ?
				)
			)`, keepLastNRuns,
		)
		return err
	})
}

// --- Cron ---

func (s *SQLiteStore) UpsertCron(ctx context.Context, cron *domain.CronRecord) error {
	return withRetry(ctx, "upsert cron", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO crons (cron_id, name, schedule, command, status, skip_overlap, created_at, updated_at, last_run_at, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(cron_id) DO UPDATE SET
				name = excluded.name,
				schedule = excluded.schedule,
				command = excluded.command,
				status = excluded.status,
				skip_overlap = excluded.skip_overlap,
				updated_at = excluded.updated_at,
				last_run_at = excluded.last_run_at,
				next_run_at = excluded.next_run_at`,
			cron.CronID, cron.Name, cron.Schedule, cron.Command, cron.Status, cron.SkipOverlap,
			cron.CreatedAt.Unix(), cron.UpdatedAt.Unix(), nullableUnix(cron.LastRunAt), nullableUnix(cron.NextRunAt),
		)
		return err
	})
}

func scanCron(row interface{ Scan(...any) error }) (*domain.CronRecord, error) {
	var c domain.CronRecord
	var createdAt, updatedAt int64
	var lastRunAt, nextRunAt sql.NullInt64
	if err := row.Scan(&c.CronID, &c.Name, &c.Schedule, &c.Command, &c.Status, &c.SkipOverlap,
		&createdAt, &updatedAt, &lastRunAt, &nextRunAt); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	if lastRunAt.Valid {
		t := time.Unix(lastRunAt.Int64, 0)
		c.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := time.Unix(nextRunAt.Int64, 0)
		c.NextRunAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) GetCron(ctx context.Context, cronID string) (*domain.CronRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cron_id, name, schedule, command, status, skip_overlap, created_at, updated_at, last_run_at, next_run_at
		FROM crons WHERE cron_id = ?`, cronID)
	cron, err := scanCron(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cron: %w", err)
	}
	return cron, nil
}

func (s *SQLiteStore) listCrons(ctx context.Context, whereActive bool) ([]*domain.CronRecord, error) {
	query := `SELECT cron_id, name, schedule, command, status, skip_overlap, created_at, updated_at, last_run_at, next_run_at FROM crons`
	args := []any{}
	if whereActive {
		query += ` WHERE status = ?`
		args = append(args, domain.CronActive)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list crons: %w", err)
	}
	defer rows.Close()

	var crons []*domain.CronRecord
	for rows.Next() {
		cron, err := scanCron(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron: %w", err)
		}
		crons = append(crons, cron)
	}
	return crons, rows.Err()
}

func (s *SQLiteStore) ListActiveCrons(ctx context.Context) ([]*domain.CronRecord, error) {
	return s.listCrons(ctx, true)
}

func (s *SQLiteStore) ListCrons(ctx context.Context) ([]*domain.CronRecord, error) {
	return s.listCrons(ctx, false)
}

func (s *SQLiteStore) DeleteCron(ctx context.Context, cronID string) error {
	return withRetry(ctx, "delete cron", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM crons WHERE cron_id = ?`, cronID)
		return err
	})
}

// --- Cron runs ---

func (s *SQLiteStore) InsertCronRun(ctx context.Context, run *domain.CronRunRecord) error {
	output := run.Output
	if len(output) > maxCronOutputBytes {
		output = output[:maxCronOutputBytes]
	}
	return withRetry(ctx, "insert cron run", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_runs (run_id, cron_id, scheduled_at, started_at, finished_at, status, exit_code, output, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.CronID, run.ScheduledAt.Unix(), nullableUnix(run.StartedAt), nullableUnix(run.FinishedAt),
			run.Status, nullableInt(run.ExitCode), output, run.Error,
		)
		return err
	})
}

func (s *SQLiteStore) UpdateCronRun(ctx context.Context, run *domain.CronRunRecord) error {
	output := run.Output
	if len(output) > maxCronOutputBytes {
		output = output[:maxCronOutputBytes]
	}
	return withRetry(ctx, "update cron run", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cron_runs SET started_at = ?, finished_at = ?, status = ?, exit_code = ?, output = ?, error = ?
			WHERE run_id = ?`,
			nullableUnix(run.StartedAt), nullableUnix(run.FinishedAt), run.Status, nullableInt(run.ExitCode),
			output, run.Error, run.RunID,
		)
		return err
	})
}

func (s *SQLiteStore) HasRunningCronRun(ctx context.Context, cronID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cron_runs WHERE cron_id = ? AND status = ?`,
		cronID, domain.CronRunRunning,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check running cron run: %w", err)
	}
	return count > 0, nil
}

func scanCronRun(row interface{ Scan(...any) error }) (*domain.CronRunRecord, error) {
	var r domain.CronRunRecord
	var scheduledAt int64
	var startedAt, finishedAt sql.NullInt64
	var exitCode sql.NullInt64
	var output, errText sql.NullString
	if err := row.Scan(&r.RunID, &r.CronID, &scheduledAt, &startedAt, &finishedAt, &r.Status, &exitCode, &output, &errText); err != nil {
		return nil, err
	}
	r.ScheduledAt = time.Unix(scheduledAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	r.Output = output.String
	r.Error = errText.String
	return &r, nil
}

func (s *SQLiteStore) ListCronRuns(ctx context.Context, cronID string, limit int) ([]*domain.CronRunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, cron_id, scheduled_at, started_at, finished_at, status, exit_code, output, error
		FROM cron_runs WHERE cron_id = ? ORDER BY scheduled_at DESC LIMIT ?`, cronID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cron runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.CronRunRecord
	for rows.Next() {
		run, err := scanCronRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneCronRuns deletes runs past retention, then caps each cron to its
// most recent maxRunsPerCron rows (spec.md §4.5 "Prune").
func (s *SQLiteStore) PruneCronRuns(ctx context.Context, retention time.Duration, maxRunsPerCron int) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	var total int64

	err := withRetry(ctx, "prune cron runs by retention", func() error {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM cron_runs WHERE finished_at IS NOT NULL AND finished_at < ?`, threshold)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, err
	}

	err = withRetry(ctx, "prune cron runs by count", func() error {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM cron_runs WHERE run_id IN (
				SELECT run_id FROM (
					SELECT run_id,
					       ROW_NUMBER() OVER (PARTITION BY cron_id ORDER BY scheduled_at DESC) AS rn
					FROM cron_runs
				) WHERE rn > ?
			)`, maxRunsPerCron)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}
