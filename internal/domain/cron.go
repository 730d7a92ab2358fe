package domain

import "time"

// CronStatus is whether a cron entry is currently eligible to fire.
type CronStatus string

const (
	CronActive CronStatus = "active"
	CronPaused CronStatus = "paused"
)

// CronRecord is one scheduled job definition.
type CronRecord struct {
	CronID      string
	Name        string
	Schedule    string
	Command     string
	Status      CronStatus
	SkipOverlap bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastRunAt   *time.Time
	NextRunAt   *time.Time
}

// CronRunStatus is the lifecycle of one scheduled execution.
type CronRunStatus string

const (
	CronRunQueued    CronRunStatus = "queued"
	CronRunRunning   CronRunStatus = "running"
	CronRunSucceeded CronRunStatus = "succeeded"
	CronRunFailed    CronRunStatus = "failed"
	CronRunSkipped   CronRunStatus = "skipped"
)

// CronRunRecord is one scheduled or executed run of a CronRecord.
type CronRunRecord struct {
	RunID       string
	CronID      string
	ScheduledAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Status      CronRunStatus
	ExitCode    *int
	Output      string
	Error       string
}

// CronSeed describes one always-present cron entry loaded once at startup
// from an operator-maintained cron.yaml file.
type CronSeed struct {
	Name        string `yaml:"name"`
	Schedule    string `yaml:"schedule"`
	Command     string `yaml:"command"`
	SkipOverlap bool   `yaml:"skip_overlap"`
}
