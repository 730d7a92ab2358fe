// Package agent implements the LLM run loop: per-thread state, queued
// pending runs, tool-call event translation, approval mediation, and
// thread persistence (spec.md §4.4).
package agent

import (
	"context"

	"github.com/ashureev/homie-gateway/internal/domain"
)

// PendingRun is a queued agent turn, submitted while another run is
// already active on the same thread (spec.md §3 "PendingRun").
type PendingRun struct {
	ChatID           string
	ThreadID         string
	TurnID           string
	AssistantItemID  string
	Messages         []domain.ModelMessage
	Model            string
	Settings         map[string]any
	ApprovalPolicy   domain.ApprovalPolicy
	CollaborationMode string
}

// runState is the in-memory bookkeeping for one active provider run.
type runState struct {
	threadID string
	handle   RunHandle
	cancel   context.CancelFunc
}

// toolOutputEntry tracks which process ids a turn's truncated tool results
// registered, so they can be released when evicted from the retention FIFO
// (spec.md §4.4 "tool_output_cache").
type toolOutputEntry struct {
	turnID     string
	processIDs []string
}

// toolOutputRetention bounds how many turns' process ids are remembered
// per thread before the oldest entry is evicted (spec.md §3
// "tool_output_cache ... capped at the last N turns").
const toolOutputRetention = 20

// transcriptCompactionLimit is the max number of provider-facing messages
// handed to a run; older messages stay server-side only (spec.md §4.4
// "Transcript compaction hook").
const transcriptCompactionLimit = 80

// toolResultTrimLimit bounds a tool result string's length (in runes)
// before it is truncated for the provider-facing transcript (spec.md §4.4
// "Tool result trimming hook").
const toolResultTrimLimit = 8000

// ProcessRegistry releases resources held by a tool-execution process id.
// Optional: a nil registry simply skips release (spec.md names this as an
// external collaborator, out of the core's scope per §1).
type ProcessRegistry interface {
	Release(processID string)
}

// StartRunRequest is the input to Backend.SendMessage (spec.md §4.4 "Starting
// a run").
type StartRunRequest struct {
	ChatID            string
	ThreadID          string
	Text              string
	Model             string
	Settings          map[string]any
	ApprovalPolicy    domain.ApprovalPolicy
	CollaborationMode string
}
