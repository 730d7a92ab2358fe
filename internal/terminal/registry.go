package terminal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ashureev/homie-gateway/internal/container"
	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/protocol"
	"github.com/ashureev/homie-gateway/internal/store"
)

// defaultHistoryBytes is the scrollback cap absent HOMIE_HISTORY_BYTES
// (spec.md §3 "Terminal session").
const defaultHistoryBytes = 2 * 1024 * 1024

// replayChunkBytes bounds a single replay frame (spec.md §4.3 Attach step 2).
const replayChunkBytes = 16 * 1024

// readChunkBytes is the buffer size for one PTY read.
const readChunkBytes = 32 * 1024

// Sender delivers one binary frame to a subscribed connection without
// blocking; it reports whether the frame was accepted. The registry never
// knows how a connection's outbound channel works beyond this contract.
type Sender func(frame protocol.BinaryFrame) bool

type session struct {
	mu          sync.Mutex
	info        domain.TerminalSession
	runtime     SessionRuntime
	scrollback  *CircularBuffer
	subscribers map[string]Sender
	multiplexer bool
}

// dockerShellPrefix selects the ContainerRuntime backend: a session whose
// shell string is "docker:<container-id>" attaches to that already-running
// container's exec session instead of spawning a native PTY (spec.md §4.3,
// supplemented).
const dockerShellPrefix = "docker:"

// Registry owns every live terminal session for the process, guarded by a
// single lock (spec.md §4.3 "Protected by a single lock; operations are
// short").
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*session
	store        store.Store
	historyBytes int
	containers   container.Manager

	pendingMu sync.Mutex
	pending   []ReapEvent
}

// ReapEvent mirrors broadcast.Event but keeps the terminal package free of
// an import cycle back to broadcast; the gateway wiring converts these.
type ReapEvent struct {
	Topic  string
	Params any
}

// NewRegistry creates an empty registry. historyBytes <= 0 selects the
// default scrollback cap. containers may be nil, in which case a
// "docker:"-prefixed shell string fails with an error instead of attaching.
func NewRegistry(st store.Store, historyBytes int, containers container.Manager) *Registry {
	if historyBytes <= 0 {
		historyBytes = defaultHistoryBytes
	}
	return &Registry{
		sessions:     make(map[string]*session),
		store:        st,
		historyBytes: historyBytes,
		containers:   containers,
	}
}

// Start spawns a new terminal session (spec.md §4.3 "Start"): a native PTY,
// or a ContainerRuntime attach when shell names an already-running
// container via the "docker:" prefix.
func (r *Registry) Start(ctx context.Context, name, shell string, cols, rows uint16) (*domain.TerminalSession, error) {
	if containerID, ok := strings.CutPrefix(shell, dockerShellPrefix); ok {
		return r.startContainer(ctx, name, containerID, cols, rows)
	}
	rt, err := StartNative(shell, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("start native runtime: %w", err)
	}
	return r.register(ctx, name, shell, cols, rows, rt, false)
}

// startContainer attaches a new terminal session to a Docker exec session
// in an already-running container (the ContainerRuntime backend).
func (r *Registry) startContainer(ctx context.Context, name, containerID string, cols, rows uint16) (*domain.TerminalSession, error) {
	if r.containers == nil {
		return nil, fmt.Errorf("start container runtime: no container manager configured")
	}
	mgr := r.containers
	rt, err := StartContainer(ctx, mgr, containerID)
	if err != nil {
		return nil, err
	}
	if err := rt.Resize(cols, rows); err != nil {
		slog.Warn("initial container exec resize failed", "container_id", containerID, "error", err)
	}
	return r.register(ctx, name, "container:"+containerID, cols, rows, rt, false)
}

func (r *Registry) register(ctx context.Context, name, shell string, cols, rows uint16, rt SessionRuntime, multiplexer bool) (*domain.TerminalSession, error) {
	info := domain.TerminalSession{
		SessionID: domain.NewID(),
		Name:      name,
		Shell:     shell,
		Cols:      cols,
		Rows:      rows,
		StartedAt: time.Now(),
		Status:    domain.SessionActive,
	}
	sess := &session{
		info:        info,
		runtime:     rt,
		scrollback:  NewCircularBuffer(r.historyBytes),
		subscribers: make(map[string]Sender),
		multiplexer: multiplexer,
	}

	r.mu.Lock()
	r.sessions[info.SessionID] = sess
	r.mu.Unlock()

	if err := r.store.UpsertTerminalSession(ctx, &info); err != nil {
		slog.Warn("persist new terminal session failed", "session_id", info.SessionID, "error", err)
	}

	go r.readLoop(sess)

	out := info
	return &out, nil
}

// readLoop is the reader task described in spec.md §4.3 step 4: it reads
// PTY bytes, feeds the scrollback ring, and fans output to subscribers by
// non-blocking send, dropping any subscriber whose send fails.
func (r *Registry) readLoop(sess *session) {
	buf := make([]byte, readChunkBytes)
	for {
		n, err := sess.runtime.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			sess.scrollback.Write(chunk)
			frame := protocol.BinaryFrame{SessionID: sess.info.SessionID, Stream: protocol.StreamStdout, Payload: chunk}
			r.fanOut(sess, frame)
		}
		if err != nil {
			r.finish(sess)
			return
		}
	}
}

func (r *Registry) fanOut(sess *session, frame protocol.BinaryFrame) {
	sess.mu.Lock()
	subs := make(map[string]Sender, len(sess.subscribers))
	for id, send := range sess.subscribers {
		subs[id] = send
	}
	sess.mu.Unlock()

	var dead []string
	for id, send := range subs {
		if !send(frame) {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return
	}
	sess.mu.Lock()
	for _, id := range dead {
		delete(sess.subscribers, id)
	}
	sess.mu.Unlock()
}

// finish runs exactly once per session when its reader loop ends: it reads
// the exit code, persists Exited, removes the session from memory, and
// queues a ReapEvent (spec.md §4.3 "Reap", §8 law 5).
func (r *Registry) finish(sess *session) {
	exitCode, err := sess.runtime.ExitCode()
	if err != nil {
		slog.Warn("terminal session exit code unavailable", "session_id", sess.info.SessionID, "error", err)
		exitCode = -1
	}

	r.mu.Lock()
	delete(r.sessions, sess.info.SessionID)
	r.mu.Unlock()

	if err := r.store.MarkTerminalExited(context.Background(), sess.info.SessionID, exitCode); err != nil {
		slog.Warn("persist terminal exit failed", "session_id", sess.info.SessionID, "error", err)
	}

	r.pendingMu.Lock()
	r.pending = append(r.pending, ReapEvent{
		Topic:  "terminal.session.exit",
		Params: map[string]any{"session_id": sess.info.SessionID, "exit_code": exitCode},
	})
	r.pendingMu.Unlock()
}

// Reap drains and returns ReapEvents accumulated since the last call
// (spec.md §4.3 "Reap").
func (r *Registry) Reap(ctx context.Context) []ReapEvent {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	events := r.pending
	r.pending = nil
	return events
}

func (r *Registry) lookup(sessionID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Attach registers sender as a subscriber and, when requested, replays
// scrollback in bounded chunks before any live bytes can reach it (spec.md
// §4.3 "Attach", §8 law 4).
func (r *Registry) Attach(ctx context.Context, sessionID, connID string, sender Sender, replay bool) (*domain.TerminalSession, error) {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return nil, protocol.ErrSessionNotFound(sessionID)
	}

	sess.mu.Lock()
	_, alreadyAttached := sess.subscribers[connID]
	sess.subscribers[connID] = sender
	var snapshot []byte
	if replay || !alreadyAttached {
		snapshot = sess.scrollback.Bytes()
	}
	info := sess.info
	if len(snapshot) > 0 {
		replaySnapshot(sessionID, sender, snapshot)
	}
	sess.mu.Unlock()

	info.Status = domain.SessionActive
	if err := r.store.UpsertTerminalSession(ctx, &info); err != nil {
		slog.Warn("persist terminal attach failed", "session_id", sessionID, "error", err)
	}
	return &info, nil
}

// replaySnapshot sends a captured scrollback snapshot to sender in
// bounded chunks. It runs synchronously on the caller's goroutine; Attach
// calls it while still holding the session lock, and readLoop's fan-out
// takes that lock to copy the subscriber set, so no live frame reaches the
// new sender before the whole snapshot has been offered to it.
func replaySnapshot(sessionID string, sender Sender, snapshot []byte) {
	for len(snapshot) > 0 {
		n := replayChunkBytes
		if n > len(snapshot) {
			n = len(snapshot)
		}
		frame := protocol.BinaryFrame{SessionID: sessionID, Stream: protocol.StreamStdout, Payload: snapshot[:n]}
		if !sender(frame) {
			return
		}
		snapshot = snapshot[n:]
	}
}

// Detach removes connID's sender without touching the child (spec.md §4.3
// "Detach").
func (r *Registry) Detach(sessionID, connID string) {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	delete(sess.subscribers, connID)
	sess.mu.Unlock()
}

// Input writes payload to the session's stdin (spec.md §4.3 "Input").
func (r *Registry) Input(sessionID string, payload []byte) error {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return protocol.ErrSessionNotFound(sessionID)
	}
	_, err := sess.runtime.Write(payload)
	if err != nil {
		return fmt.Errorf("write terminal input: %w", err)
	}
	return nil
}

// Resize updates the PTY size and the cached dimensions (spec.md §4.3
// "Resize").
func (r *Registry) Resize(ctx context.Context, sessionID string, cols, rows uint16) error {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return protocol.ErrSessionNotFound(sessionID)
	}
	if err := sess.runtime.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize terminal: %w", err)
	}
	sess.mu.Lock()
	sess.info.Cols, sess.info.Rows = cols, rows
	info := sess.info
	sess.mu.Unlock()

	if err := r.store.UpsertTerminalSession(ctx, &info); err != nil {
		slog.Warn("persist terminal resize failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// Kill marks the session Exited and removes it from memory (spec.md §4.3
// "Kill").
func (r *Registry) Kill(ctx context.Context, sessionID string) error {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return protocol.ErrSessionNotFound(sessionID)
	}
	if err := r.store.MarkTerminalExited(ctx, sessionID, 0); err != nil {
		slog.Warn("persist terminal kill failed", "session_id", sessionID, "error", err)
	}
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	return sess.runtime.Close()
}

// Rename updates the in-memory and persisted name, rejecting synthetic
// multiplexer sessions (spec.md §4.3 "Rename").
func (r *Registry) Rename(ctx context.Context, sessionID, name string) error {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return protocol.ErrSessionNotFound(sessionID)
	}
	sess.mu.Lock()
	if sess.multiplexer {
		sess.mu.Unlock()
		return protocol.ErrInvalidParams("cannot rename a multiplexer-backed session")
	}
	sess.info.Name = name
	info := sess.info
	sess.mu.Unlock()

	return r.store.UpsertTerminalSession(ctx, &info)
}

// Preview returns a UTF-8-lossy tail of scrollback bounded by maxBytes
// (spec.md §4.3 "Preview").
func (r *Registry) Preview(sessionID string, maxBytes int) (string, error) {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return "", protocol.ErrSessionNotFound(sessionID)
	}
	data := sess.scrollback.Bytes()
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[len(data)-maxBytes:]
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// List returns a snapshot of every live session's info.
func (r *Registry) List() []*domain.TerminalSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.TerminalSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sess.mu.Lock()
		info := sess.info
		sess.mu.Unlock()
		out = append(out, &info)
	}
	return out
}

// multiplexerBinary is the session-multiplexer executable probed on PATH
// (spec.md §4.3 "Multiplexer integration").
const multiplexerBinary = "tmux"

// MultiplexerSupported reports whether the multiplexer binary is on PATH.
func MultiplexerSupported() bool {
	_, err := exec.LookPath(multiplexerBinary)
	return err == nil
}

// MultiplexerWindow describes one multiplexer session for listing.
type MultiplexerWindow struct {
	Name     string
	Windows  int
	Attached bool
}

// ListMultiplexerSessions shells out to `tmux list-sessions` and parses its
// output; best-effort, matching spec.md's "best-effort wrappers" framing.
func ListMultiplexerSessions(ctx context.Context) (bool, []MultiplexerWindow, error) {
	if !MultiplexerSupported() {
		return false, nil, nil
	}
	cmd := exec.CommandContext(ctx, multiplexerBinary, "list-sessions", "-F", "#{session_name}\t#{session_windows}\t#{session_attached}")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return true, nil, nil // no sessions
		}
		return true, nil, fmt.Errorf("list multiplexer sessions: %w", err)
	}

	var sessions []MultiplexerWindow
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		windows, _ := strconv.Atoi(fields[1])
		sessions = append(sessions, MultiplexerWindow{
			Name:     fields[0],
			Windows:  windows,
			Attached: fields[2] == "1",
		})
	}
	return true, sessions, nil
}

// AttachMultiplexer spawns `tmux attach -t name` as the session's child
// process, recording its shell as `mux:<name>` (spec.md §4.3 "Multiplexer
// integration").
func (r *Registry) AttachMultiplexer(ctx context.Context, name string, cols, rows uint16) (*domain.TerminalSession, error) {
	if !MultiplexerSupported() {
		return nil, protocol.ErrInvalidParams("session multiplexer is not available on PATH")
	}
	cmd := exec.Command(multiplexerBinary, "attach", "-t", name)
	cmd.Env = append(os.Environ(), terminalEnv()...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("attach multiplexer session: %w", err)
	}
	rt := &NativeRuntime{cmd: cmd, ptmx: ptmx}
	return r.register(ctx, name, "mux:"+name, cols, rows, rt, true)
}

// KillMultiplexer terminates a multiplexer session by name, independent of
// any attached terminal session.
func KillMultiplexer(ctx context.Context, name string) error {
	if !MultiplexerSupported() {
		return protocol.ErrInvalidParams("session multiplexer is not available on PATH")
	}
	cmd := exec.CommandContext(ctx, multiplexerBinary, "kill-session", "-t", name)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("kill multiplexer session %q: %w", name, err)
	}
	return nil
}
