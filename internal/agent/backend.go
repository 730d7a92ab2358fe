package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/protocol"
	"github.com/ashureev/homie-gateway/internal/store"
)

// Backend owns every in-flight and queued agent run. mu guards its
// bookkeeping maps and approvalsMu guards the pending-approval channels;
// the provider run loop itself executes outside the
// lock so a slow or blocked run never stalls unrelated threads (spec.md §5
// "one mutex per aggregate, held only across bookkeeping, not I/O").
type Backend struct {
	mu sync.Mutex

	store    store.Store
	bus      *broadcast.Bus
	provider Provider
	procs    ProcessRegistry

	threads         map[string]*domain.ThreadSnapshot
	chats           map[string]string // threadID -> chatID, for event tagging
	runs            map[string]*runState
	activeThreads   map[string]string // threadID -> active turnID
	queues          map[string][]PendingRun
	approvalCache   map[string]map[string]struct{}
	toolOutputCache map[string][]toolOutputEntry

	approvalsMu sync.Mutex
	approvals   map[string]chan domain.ApprovalPolicy
}

// NewBackend wires a Backend to its store, broadcast bus, and provider.
// procs may be nil if the deployment has no tool-execution process registry
// to release against.
func NewBackend(st store.Store, bus *broadcast.Bus, provider Provider, procs ProcessRegistry) *Backend {
	return &Backend{
		store:           st,
		bus:             bus,
		provider:        provider,
		procs:           procs,
		threads:         make(map[string]*domain.ThreadSnapshot),
		chats:           make(map[string]string),
		runs:            make(map[string]*runState),
		activeThreads:   make(map[string]string),
		queues:          make(map[string][]PendingRun),
		approvalCache:   make(map[string]map[string]struct{}),
		toolOutputCache: make(map[string][]toolOutputEntry),
		approvals:       make(map[string]chan domain.ApprovalPolicy),
	}
}

// Shutdown aborts every in-flight run. Called once as part of router
// shutdown.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	runs := make([]*runState, 0, len(b.runs))
	for _, rs := range b.runs {
		runs = append(runs, rs)
	}
	b.mu.Unlock()
	for _, rs := range runs {
		rs.cancel()
		rs.handle.Abort()
	}
}

// GetThread returns a thread's current snapshot, loading and, if needed,
// rehydrating it from the store on first use.
func (b *Backend) GetThread(ctx context.Context, threadID string) (*domain.ThreadSnapshot, error) {
	return b.loadThread(ctx, threadID)
}

func (b *Backend) loadThread(ctx context.Context, threadID string) (*domain.ThreadSnapshot, error) {
	b.mu.Lock()
	if t, ok := b.threads[threadID]; ok {
		b.mu.Unlock()
		return t, nil
	}
	b.mu.Unlock()

	snap, err := b.store.GetChatThreadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		events, err := b.store.ListChatRawEvents(ctx, threadID, 0)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			snap = rehydrateThread(threadID, events)
		} else {
			now := time.Now()
			snap = &domain.ThreadSnapshot{ThreadID: threadID, CreatedAt: now, UpdatedAt: now}
		}
	}

	b.mu.Lock()
	b.threads[threadID] = snap
	b.mu.Unlock()
	return snap, nil
}

// rehydrateThread rebuilds a best-effort transcript from the raw event log
// when no compacted snapshot exists yet (spec.md §4.4 "rehydration").
// Only assistant message deltas are replayed; user turns are not
// reconstructable from emitted events alone.
func rehydrateThread(threadID string, events []store.RawEvent) *domain.ThreadSnapshot {
	now := time.Now()
	snap := &domain.ThreadSnapshot{ThreadID: threadID, CreatedAt: now, UpdatedAt: now}

	order := make([]string, 0)
	buffers := make(map[string]*strings.Builder)
	for _, ev := range events {
		if ev.Method != "chat.message.delta" {
			continue
		}
		var params map[string]any
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			continue
		}
		itemID, _ := params["item_id"].(string)
		delta, _ := params["delta"].(string)
		if itemID == "" {
			continue
		}
		buf, ok := buffers[itemID]
		if !ok {
			buf = &strings.Builder{}
			buffers[itemID] = buf
			order = append(order, itemID)
		}
		buf.WriteString(delta)
	}
	for _, itemID := range order {
		text := buffers[itemID].String()
		snap.Messages = append(snap.Messages, domain.ModelMessage{Role: domain.RoleAssistant, Text: text})
		snap.LastAssistantItemID = itemID
	}
	return snap
}

// SendMessage starts a new turn on threadID, or — if a run is already
// active on that thread — pushes a PendingRun onto the thread's queue to
// run once the active turn finishes (spec.md §4.4 "Starting a run" step
// 6). It returns the new turn's id either way. To inject text into the
// turn that is currently running instead of queuing a new one, use
// QueueMessage.
func (b *Backend) SendMessage(ctx context.Context, req StartRunRequest) (string, error) {
	thread, err := b.loadThread(ctx, req.ThreadID)
	if err != nil {
		return "", protocol.ErrInternal(err.Error())
	}

	turnID := domain.NewID()
	assistantItemID := domain.NewID()

	b.mu.Lock()
	b.chats[req.ThreadID] = req.ChatID
	if _, busy := b.activeThreads[req.ThreadID]; busy {
		pending := PendingRun{
			ChatID: req.ChatID, ThreadID: req.ThreadID, TurnID: turnID, AssistantItemID: assistantItemID,
			Messages: append(append([]domain.ModelMessage{}, thread.Messages...), domain.ModelMessage{Role: domain.RoleUser, Text: req.Text}),
			Model: req.Model, Settings: req.Settings, ApprovalPolicy: req.ApprovalPolicy, CollaborationMode: req.CollaborationMode,
		}
		b.queues[req.ThreadID] = append(b.queues[req.ThreadID], pending)
		b.mu.Unlock()
		return turnID, nil
	}
	b.activeThreads[req.ThreadID] = turnID
	b.mu.Unlock()

	thread.Messages = append(thread.Messages, domain.ModelMessage{Role: domain.RoleUser, Text: req.Text})
	thread.Turns = append(thread.Turns, domain.Turn{
		TurnID: turnID,
		Items:  []domain.Item{{ID: domain.NewID(), Kind: domain.ItemUserMessage, Content: []domain.TextPart{{Text: req.Text}}}},
	})

	go b.runTask(thread, turnID, assistantItemID, PendingRun{
		ChatID: req.ChatID, ThreadID: req.ThreadID, TurnID: turnID, AssistantItemID: assistantItemID,
		Messages: thread.Messages, Model: req.Model, Settings: req.Settings,
		ApprovalPolicy: req.ApprovalPolicy, CollaborationMode: req.CollaborationMode,
	})
	return turnID, nil
}

// QueueMessage offers text to the run currently active on threadID without
// starting or queuing a new turn (spec.md §4.4 "Queue-on-active message").
// If a run is active, the text is handed to its RunHandle, a new user item
// bearing the active turn's id is appended and a chat.item.started event
// emitted for it, and it reports (activeTurnID, true). If no run is
// active, it reports ("", false) so the caller falls back to starting a
// new turn via SendMessage.
func (b *Backend) QueueMessage(ctx context.Context, chatID, threadID, text string) (string, bool, error) {
	thread, err := b.loadThread(ctx, threadID)
	if err != nil {
		return "", false, protocol.ErrInternal(err.Error())
	}

	b.mu.Lock()
	activeTurn, busy := b.activeThreads[threadID]
	if !busy {
		b.mu.Unlock()
		return "", false, nil
	}
	rs := b.runs[activeTurn]
	itemID := domain.NewID()
	for i := range thread.Turns {
		if thread.Turns[i].TurnID == activeTurn {
			thread.Turns[i].Items = append(thread.Turns[i].Items, domain.Item{
				ID: itemID, Kind: domain.ItemUserMessage, Content: []domain.TextPart{{Text: text}},
			})
			break
		}
	}
	b.mu.Unlock()

	if rs != nil {
		rs.handle.SendUserMessage(text)
	}

	b.emit(threadID, chatID, activeTurn, "chat.item.started", map[string]any{
		"turn_id": activeTurn,
		"item":    domain.Item{ID: itemID, Kind: domain.ItemUserMessage, Content: []domain.TextPart{{Text: text}}},
	})

	return activeTurn, true, nil
}

// CancelRun aborts the active run for turnID, if any.
func (b *Backend) CancelRun(turnID string) error {
	b.mu.Lock()
	rs, ok := b.runs[turnID]
	b.mu.Unlock()
	if !ok {
		return protocol.ErrSessionNotFound("no active run: " + turnID)
	}
	rs.cancel()
	rs.handle.Abort()
	return nil
}

// RespondApproval resolves a pending ApprovalRequest by id.
func (b *Backend) RespondApproval(requestID string, decision domain.ApprovalPolicy) error {
	b.approvalsMu.Lock()
	ch, ok := b.approvals[requestID]
	b.approvalsMu.Unlock()
	if !ok {
		return protocol.ErrInvalidParams("no pending approval: " + requestID)
	}
	ch <- decision
	return nil
}

func (b *Backend) runTask(thread *domain.ThreadSnapshot, turnID, assistantItemID string, pending PendingRun) {
	ctx, cancel := context.WithCancel(context.Background())
	messages := b.compactMessages(pending.Messages)
	runReq := RunRequest{
		ThreadID: thread.ThreadID, TurnID: turnID, Messages: messages,
		Model: pending.Model, Settings: pending.Settings,
		ApprovalPolicy: pending.ApprovalPolicy, CollaborationMode: pending.CollaborationMode,
	}
	handle, events := b.provider.Run(ctx, runReq)

	b.mu.Lock()
	b.runs[turnID] = &runState{threadID: thread.ThreadID, handle: handle, cancel: cancel}
	b.mu.Unlock()

	b.emit(thread.ThreadID, pending.ChatID, turnID, "chat.turn.started", map[string]any{"turn_id": turnID})

	var assistantText strings.Builder
	toolItemIDs := make(map[string]string) // tool_call_id -> item_id
	var failureReason string
	turnStatus := "completed"

	for ev, err := range events {
		if err != nil {
			turnStatus = "failed"
			failureReason = err.Error()
			b.emit(thread.ThreadID, pending.ChatID, turnID, "chat.error", map[string]any{"turn_id": turnID, "error": err.Error()})
			break
		}
		b.handleEvent(ctx, thread, pending, turnID, assistantItemID, &assistantText, toolItemIDs, ev)
		switch ev.Kind {
		case EventLifecycleFailed:
			turnStatus = "failed"
			failureReason = ev.FailureReason
		case EventLifecycleCanceled:
			turnStatus = "canceled"
		}
	}

	cancel()
	finalText := assistantText.String()
	if turnStatus == "failed" && finalText == "" {
		finalText = "Run failed: " + failureReason
	}
	thread.Messages = append(thread.Messages, domain.ModelMessage{Role: domain.RoleAssistant, Text: finalText})
	thread.LastAssistantItemID = assistantItemID
	thread.UpdatedAt = time.Now()

	if err := b.store.UpsertChatThreadState(context.Background(), thread.ThreadID, thread); err != nil {
		slog.Warn("persist thread snapshot failed", "thread_id", thread.ThreadID, "err", err)
	}
	if chat, err := b.store.GetChat(context.Background(), pending.ChatID); err == nil && chat != nil {
		chat.Status = domain.ChatIdle
		if err := b.store.UpsertChat(context.Background(), chat); err != nil {
			slog.Warn("persist chat status failed", "chat_id", pending.ChatID, "err", err)
		}
	}

	completionParams := map[string]any{"turn_id": turnID, "status": turnStatus}
	if turnStatus == "completed" {
		completionParams["item_id"] = assistantItemID
	}
	b.emit(thread.ThreadID, pending.ChatID, turnID, "chat.turn.completed", completionParams)

	b.mu.Lock()
	delete(b.runs, turnID)
	delete(b.activeThreads, thread.ThreadID)
	var next *PendingRun
	if queue := b.queues[thread.ThreadID]; len(queue) > 0 {
		n := queue[0]
		next = &n
		b.queues[thread.ThreadID] = queue[1:]
		b.activeThreads[thread.ThreadID] = next.TurnID
	}
	b.mu.Unlock()

	if next != nil {
		thread.Turns = append(thread.Turns, domain.Turn{
			TurnID: next.TurnID,
			Items:  []domain.Item{{ID: domain.NewID(), Kind: domain.ItemUserMessage}},
		})
		go b.runTask(thread, next.TurnID, next.AssistantItemID, *next)
	}
}

func (b *Backend) handleEvent(ctx context.Context, thread *domain.ThreadSnapshot, pending PendingRun, turnID, assistantItemID string, assistantText *strings.Builder, toolItemIDs map[string]string, ev RunEvent) {
	chatID := pending.ChatID
	switch ev.Kind {
	case EventAssistantDelta:
		assistantText.WriteString(ev.AssistantDelta)
		b.emit(thread.ThreadID, chatID, turnID, "chat.message.delta", map[string]any{
			"turn_id": turnID, "item_id": assistantItemID, "delta": ev.AssistantDelta,
		})

	case EventReasoningDelta:
		b.emit(thread.ThreadID, chatID, turnID, "chat.reasoning.delta", map[string]any{
			"turn_id": turnID, "item_id": assistantItemID, "delta": ev.ReasoningDelta,
		})

	case EventToolCallStarted:
		itemID := domain.NewID()
		toolItemIDs[ev.ToolCallID] = itemID
		b.emit(thread.ThreadID, chatID, turnID, "chat.item.started", map[string]any{
			"turn_id": turnID,
			"item": domain.Item{ID: itemID, Kind: domain.ItemToolCall, Tool: ev.ToolName, Status: domain.ToolCallRunning, Input: ev.ToolInput},
		})

	case EventToolResult:
		itemID := toolItemIDs[ev.ToolCallID]
		status := domain.ToolCallCompleted
		if ev.ToolError != "" {
			status = domain.ToolCallFailed
		}
		if ev.ToolName == execTool && ev.ResultTruncated && ev.ProcessID != "" {
			b.recordToolOutput(thread.ThreadID, turnID, ev.ProcessID)
		}
		b.emit(thread.ThreadID, chatID, turnID, "chat.item.completed", map[string]any{
			"turn_id": turnID,
			"item":    domain.Item{ID: itemID, Kind: domain.ItemToolCall, Tool: ev.ToolName, Status: status, Result: ev.ToolResult, Error: ev.ToolError},
		})
		if ev.ToolName == patchTool && ev.ToolError == "" {
			if diff, ok := ev.ToolResult.(map[string]any); ok {
				if d, ok := diff["diff"].(string); ok {
					b.emit(thread.ThreadID, chatID, turnID, "chat.diff.updated", map[string]any{"turn_id": turnID, "diff": d})
				}
			}
		}

	case EventPlanUpdated:
		b.emit(thread.ThreadID, chatID, turnID, "chat.plan.updated", map[string]any{"turn_id": turnID, "plan": ev.Plan})

	case EventDiffUpdated:
		b.emit(thread.ThreadID, chatID, turnID, "chat.diff.updated", map[string]any{"turn_id": turnID, "diff": ev.Diff})

	case EventApprovalRequired:
		b.mediateApproval(thread.ThreadID, chatID, turnID, pending.ApprovalPolicy, ev.Approval)

	case EventLifecycleFailed:
		b.emit(thread.ThreadID, chatID, turnID, "chat.error", map[string]any{"turn_id": turnID, "error": ev.FailureReason})

	case EventError:
		b.emit(thread.ThreadID, chatID, turnID, "chat.error", map[string]any{"turn_id": turnID, "error": ev.Err.Error()})
	}
}

// mediateApproval blocks synchronously until a decision arrives, which in
// turn blocks the provider's own run goroutine since this runs inside the
// range-over-func body driving its iterator (spec.md §4.4 "Approval
// mediation"). A command execution request under an "always" exec policy,
// or any request whose cache key was already accepted for this session,
// auto-resolves without involving the client.
func (b *Backend) mediateApproval(threadID, chatID, turnID string, policy domain.ApprovalPolicy, req *ApprovalRequest) {
	if req.IsCommandExecution && policy == domain.ApprovalAlways {
		req.Resolve(domain.ApprovalAlways)
		return
	}

	b.mu.Lock()
	_, cached := b.approvalCache[threadID][req.CacheKey]
	b.mu.Unlock()
	if cached {
		req.Resolve(domain.ApprovalAlways)
		return
	}

	ch := make(chan domain.ApprovalPolicy, 1)
	b.approvalsMu.Lock()
	b.approvals[req.RequestID] = ch
	b.approvalsMu.Unlock()

	b.emit(threadID, chatID, turnID, "chat.approval.required", map[string]any{
		"turn_id": turnID, "request_id": req.RequestID, "is_command_execution": req.IsCommandExecution, "payload": req.Payload,
	})

	decision := <-ch
	b.approvalsMu.Lock()
	delete(b.approvals, req.RequestID)
	b.approvalsMu.Unlock()

	if decision == domain.ApprovalAcceptForSession {
		b.mu.Lock()
		if b.approvalCache[threadID] == nil {
			b.approvalCache[threadID] = make(map[string]struct{})
		}
		b.approvalCache[threadID][req.CacheKey] = struct{}{}
		b.mu.Unlock()
	}
	req.Resolve(decision)
}

func (b *Backend) recordToolOutput(threadID, turnID, processID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.toolOutputCache[threadID]
	found := false
	for i := range entries {
		if entries[i].turnID == turnID {
			entries[i].processIDs = append(entries[i].processIDs, processID)
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, toolOutputEntry{turnID: turnID, processIDs: []string{processID}})
	}
	for len(entries) > toolOutputRetention {
		evicted := entries[0]
		entries = entries[1:]
		if b.procs != nil {
			for _, pid := range evicted.processIDs {
				b.procs.Release(pid)
			}
		}
	}
	b.toolOutputCache[threadID] = entries
}

func (b *Backend) compactMessages(msgs []domain.ModelMessage) []domain.ModelMessage {
	if len(msgs) <= transcriptCompactionLimit {
		return msgs
	}
	return msgs[len(msgs)-transcriptCompactionLimit:]
}

// trimToolResult caps a tool result's length before it is handed back to
// the provider, and reports whether it truncated.
func trimToolResult(s string) (string, bool) {
	r := []rune(s)
	if len(r) <= toolResultTrimLimit {
		return s, false
	}
	return string(r[:toolResultTrimLimit]) + "... (truncated)", true
}

// agentMirrorPrefix is prepended to every "chat.*" topic to produce its
// mirror topic (spec.md §6: "Each chat topic has a mirror agent.chat.*
// topic carrying identical params").
const agentMirrorPrefix = "agent."

func (b *Backend) emit(threadID, chatID, turnID, topic string, params map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	params["thread_id"] = threadID
	if chatID != "" {
		params["chat_id"] = chatID
	}
	b.bus.Publish(broadcast.Event{Topic: topic, Params: params})
	b.bus.Publish(broadcast.Event{Topic: agentMirrorPrefix + topic, Params: params})

	raw, err := json.Marshal(params)
	if err != nil {
		slog.Warn("marshal chat event failed", "topic", topic, "err", err)
		return
	}
	if err := b.store.InsertChatRawEvent(context.Background(), turnID, threadID, topic, raw); err != nil {
		slog.Warn("insert chat raw event failed", "topic", topic, "err", err)
	}
}
