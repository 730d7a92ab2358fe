package agent

import (
	"context"
	"iter"

	"github.com/ashureev/homie-gateway/internal/domain"
)

// RunEventKind discriminates the tagged RunEvent union a Provider streams
// back to the backend (spec.md §4.4 "Run task").
type RunEventKind string

const (
	EventAssistantDelta     RunEventKind = "assistant_delta"
	EventReasoningDelta     RunEventKind = "reasoning_delta"
	EventToolCallStarted    RunEventKind = "tool_call_started"
	EventToolResult         RunEventKind = "tool_result"
	EventPlanUpdated        RunEventKind = "plan_updated"
	EventDiffUpdated        RunEventKind = "diff_updated"
	EventApprovalRequired   RunEventKind = "approval_required"
	EventLifecycleStarted   RunEventKind = "lifecycle_started"
	EventLifecycleCompleted RunEventKind = "lifecycle_completed"
	EventLifecycleFailed    RunEventKind = "lifecycle_failed"
	EventLifecycleCanceled  RunEventKind = "lifecycle_canceled"
	EventError              RunEventKind = "error"
)

// execTool and patchTool name the two built-in tools the backend treats
// specially: a successful patch-apply result with a "diff" field also
// triggers chat.diff.updated, and truncated execution results register a
// process id for later cache eviction (spec.md §4.4 "ToolResult").
const (
	execTool  = "exec_command"
	patchTool = "apply_patch"
)

// ApprovalRequest is a provider's request to run something gated by policy.
// Resolve must be called exactly once with the backend's decision; the
// provider implementation blocks its internal run goroutine on it.
type ApprovalRequest struct {
	RequestID          string
	CacheKey           string
	IsCommandExecution bool
	Payload            map[string]any
	Resolve            func(domain.ApprovalPolicy)
}

// RunEvent is one item of a provider run's event stream.
type RunEvent struct {
	Kind RunEventKind

	AssistantDelta string
	ReasoningDelta string

	ToolCallID string
	ToolName   string
	ToolInput  map[string]any

	ToolResult    any
	ToolError     string
	ResultTruncated bool
	ProcessID     string

	Plan []string
	Diff string

	Approval *ApprovalRequest

	FailureReason string
	Err           error
}

// RunRequest is what the backend hands a Provider to start one turn.
type RunRequest struct {
	ThreadID          string
	TurnID            string
	Messages          []domain.ModelMessage
	Model             string
	Settings          map[string]any
	ApprovalPolicy    domain.ApprovalPolicy
	CollaborationMode string
}

// RunHandle is a cancellable token for one in-flight provider run, and the
// mid-turn cooperation point for queued user messages (spec.md §4.4
// "Queue-on-active message").
type RunHandle interface {
	// Abort requests cancellation, reporting whether it had any effect.
	Abort() bool
	// SendUserMessage offers text to the live run; the provider decides
	// whether to fold it into the current turn. It never blocks.
	SendUserMessage(text string) bool
}

// Provider is the external LLM/tool-execution collaborator boundary
// (spec.md §1 "the actual LLM/HTTP providers ... specified only where the
// core touches them"). A concrete implementation lives outside this
// module; the backend only depends on this interface.
type Provider interface {
	Run(ctx context.Context, req RunRequest) (RunHandle, iter.Seq2[RunEvent, error])
}
