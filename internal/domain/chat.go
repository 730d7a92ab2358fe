package domain

import "time"

// ChatStatus mirrors the lifecycle of a conversation's most recent turn.
type ChatStatus string

const (
	ChatIdle    ChatStatus = "idle"
	ChatRunning ChatStatus = "running"
)

// ChatRecord is the persistence-facing handle for one conversation.
type ChatRecord struct {
	ChatID       string
	ThreadID     string
	CreatedAt    time.Time
	Status       ChatStatus
	EventPointer int64
	Settings     map[string]any
}

// ApprovalPolicy gates tool execution during an agent run.
type ApprovalPolicy string

const (
	ApprovalNever           ApprovalPolicy = "never"
	ApprovalAsk             ApprovalPolicy = "ask"
	ApprovalAlways          ApprovalPolicy = "always"
	ApprovalAcceptForSession ApprovalPolicy = "accept_for_session"
)

// ItemKind discriminates the tagged Item variants of a turn.
type ItemKind string

const (
	ItemUserMessage  ItemKind = "user_message"
	ItemAgentMessage ItemKind = "agent_message"
	ItemToolCall     ItemKind = "tool_call"
)

// ToolCallStatus tracks a ToolCall item's lifecycle.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// TextPart is a single chunk of user-authored text content.
type TextPart struct {
	Text string `json:"text"`
}

// Item is the client-facing view of one turn element: a user message, an
// assistant message, or a tool call. Exactly the fields relevant to Kind
// are populated; the rest are zero values.
type Item struct {
	ID      string         `json:"id"`
	Kind    ItemKind       `json:"kind"`
	Content []TextPart     `json:"content,omitempty"` // UserMessage
	Text    string         `json:"text,omitempty"`    // AgentMessage
	Tool    string         `json:"tool,omitempty"`    // ToolCall
	Status  ToolCallStatus `json:"status,omitempty"`  // ToolCall
	Input   map[string]any `json:"input,omitempty"`   // ToolCall
	Result  any            `json:"result,omitempty"`  // ToolCall
	Error   string         `json:"error,omitempty"`   // ToolCall
}

// Turn is a single user-assistant exchange, holding every Item produced
// while handling it.
type Turn struct {
	TurnID string `json:"turn_id"`
	Items  []Item `json:"items"`
}

// ModelRole is the provider-facing transcript role.
type ModelRole string

const (
	RoleSystem    ModelRole = "system"
	RoleUser      ModelRole = "user"
	RoleAssistant ModelRole = "assistant"
	RoleTool      ModelRole = "tool"
)

// ToolCallPart is an assistant-role transcript part recording that a tool
// was invoked.
type ToolCallPart struct {
	ToolCallID string         `json:"tool_call_id"`
	Tool       string         `json:"tool"`
	Input      map[string]any `json:"input,omitempty"`
}

// ToolResultPart is a tool-role transcript part carrying a tool's result,
// referencing the ToolCallPart it answers.
type ToolResultPart struct {
	ToolCallID string `json:"tool_call_id"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModelMessage is one entry of the provider-facing transcript.
type ModelMessage struct {
	Role       ModelRole        `json:"role"`
	Text       string           `json:"text,omitempty"`
	ToolCalls  []ToolCallPart   `json:"tool_calls,omitempty"`
	ToolResult *ToolResultPart  `json:"tool_result,omitempty"`
}

// ThreadSnapshot is the serializable form of in-memory ThreadState, as
// written through to the store.
type ThreadSnapshot struct {
	ThreadID            string         `json:"thread_id"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	Turns               []Turn         `json:"turns"`
	Messages            []ModelMessage `json:"messages"`
	LastAssistantItemID string         `json:"last_assistant_item_id,omitempty"`
}
