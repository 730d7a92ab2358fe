package domain

import "time"

// SessionStatus is the lifecycle state of a terminal session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
	SessionExited   SessionStatus = "exited"
)

// TerminalSession is the persistence-facing record for a PTY-backed session.
type TerminalSession struct {
	SessionID string
	Name      string
	Shell     string
	Cols      uint16
	Rows      uint16
	StartedAt time.Time
	Status    SessionStatus
	ExitCode  *int
}
