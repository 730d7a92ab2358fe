package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/protocol"
	"github.com/ashureev/homie-gateway/internal/store"
)

// fakeStore is a minimal in-memory Store stub sufficient for registry
// tests; only the terminal-session methods are exercised here.
type fakeStore struct {
	store.Store
	mu       sync.Mutex
	sessions map[string]*domain.TerminalSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*domain.TerminalSession)}
}

func (f *fakeStore) UpsertTerminalSession(ctx context.Context, s *domain.TerminalSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.SessionID] = &cp
	return nil
}

func (f *fakeStore) MarkTerminalExited(ctx context.Context, sessionID string, exitCode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = domain.SessionExited
		s.ExitCode = &exitCode
	}
	return nil
}

// fakeRuntime is a controllable SessionRuntime for tests that must not
// depend on a real OS pseudo-terminal.
type fakeRuntime struct {
	mu       sync.Mutex
	toRead   chan []byte
	closed   bool
	written  [][]byte
	exitCode int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{toRead: make(chan []byte, 8)}
}

func (f *fakeRuntime) Read(p []byte) (int, error) {
	chunk, ok := <-f.toRead
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	return n, nil
}

func (f *fakeRuntime) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toRead)
	}
	return nil
}

func (f *fakeRuntime) Resize(cols, rows uint16) error { return nil }
func (f *fakeRuntime) ExitCode() (int, error)         { return f.exitCode, nil }

func newTestRegistry() (*Registry, *fakeStore) {
	fs := newFakeStore()
	return NewRegistry(fs, 4096, nil), fs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAttachReplaysScrollbackBeforeLiveBytes(t *testing.T) {
	r, _ := newTestRegistry()
	rt := newFakeRuntime()
	info, err := r.register(context.Background(), "main", "/bin/sh", 80, 24, rt, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rt.toRead <- []byte("HELLO")
	waitFor(t, func() bool {
		sess, _ := r.lookup(info.SessionID)
		return sess.scrollback.Len() == 5
	})

	var received [][]byte
	var mu sync.Mutex
	sender := func(frame protocol.BinaryFrame) bool {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, frame.Payload)
		return true
	}

	if _, err := r.Attach(context.Background(), info.SessionID, "conn-1", sender, true); err != nil {
		t.Fatalf("attach: %v", err)
	}

	rt.toRead <- []byte("LIVE")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if string(received[0]) != "HELLO" {
		t.Fatalf("first frame = %q, want replay snapshot HELLO", received[0])
	}
	if string(received[1]) != "LIVE" {
		t.Fatalf("second frame = %q, want live bytes LIVE", received[1])
	}
}

func TestReadLoopExitProducesReapEventAndRemovesSession(t *testing.T) {
	r, fs := newTestRegistry()
	rt := newFakeRuntime()
	rt.exitCode = 3
	info, err := r.register(context.Background(), "main", "/bin/sh", 80, 24, rt, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rt.Close() // simulate child exit: reader loop observes EOF

	waitFor(t, func() bool {
		_, ok := r.lookup(info.SessionID)
		return !ok
	})

	events := r.Reap(context.Background())
	if len(events) != 1 || events[0].Topic != "terminal.session.exit" {
		t.Fatalf("events = %+v", events)
	}
	params := events[0].Params.(map[string]any)
	if params["exit_code"] != 3 {
		t.Fatalf("exit_code = %v, want 3", params["exit_code"])
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sessions[info.SessionID].Status != domain.SessionExited {
		t.Fatalf("persisted status = %v, want exited", fs.sessions[info.SessionID].Status)
	}
}

func TestReapDrainsOnlyOnce(t *testing.T) {
	r, _ := newTestRegistry()
	rt := newFakeRuntime()
	info, _ := r.register(context.Background(), "main", "/bin/sh", 80, 24, rt, false)
	rt.Close()
	waitFor(t, func() bool { _, ok := r.lookup(info.SessionID); return !ok })

	first := r.Reap(context.Background())
	second := r.Reap(context.Background())
	if len(first) != 1 {
		t.Fatalf("first drain = %d events, want 1", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("second drain = %d events, want 0", len(second))
	}
}

func TestRenameRejectsMultiplexerSession(t *testing.T) {
	r, _ := newTestRegistry()
	rt := newFakeRuntime()
	info, _ := r.register(context.Background(), "mux-main", "tmux:main", 80, 24, rt, true)

	err := r.Rename(context.Background(), info.SessionID, "new-name")
	if err == nil {
		t.Fatal("expected rename to be rejected for a multiplexer session")
	}
	protoErr, ok := err.(*protocol.Error)
	if !ok || protoErr.Code != protocol.InvalidParams {
		t.Fatalf("err = %v, want InvalidParams", err)
	}
}

func TestDetachRemovesSubscriberWithoutAffectingChild(t *testing.T) {
	r, _ := newTestRegistry()
	rt := newFakeRuntime()
	info, _ := r.register(context.Background(), "main", "/bin/sh", 80, 24, rt, false)

	sent := 0
	sender := func(frame protocol.BinaryFrame) bool { sent++; return true }
	r.Attach(context.Background(), info.SessionID, "conn-1", sender, false)
	r.Detach(info.SessionID, "conn-1")

	rt.toRead <- []byte("after-detach")
	time.Sleep(50 * time.Millisecond)
	if sent != 0 {
		t.Fatalf("sent = %d, want 0 after detach", sent)
	}
	if _, ok := r.lookup(info.SessionID); !ok {
		t.Fatal("session should still be live after detach")
	}
}

func TestInputUnknownSessionReturnsSessionNotFound(t *testing.T) {
	r, _ := newTestRegistry()
	err := r.Input("ghost", []byte("x"))
	var protoErr *protocol.Error
	if !errors.As(err, &protoErr) || protoErr.Code != protocol.SessionNotFound {
		t.Fatalf("err = %v, want SessionNotFound", err)
	}
}

func TestStartDockerPrefixWithoutContainerManagerFails(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Start(context.Background(), "shell", "docker:abc123", 80, 24)
	if err == nil {
		t.Fatal("expected error starting a container session with no container manager configured")
	}
}
