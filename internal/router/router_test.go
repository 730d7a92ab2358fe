package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/protocol"
)

type stubService struct {
	ns       string
	handled  []string
	shutdown bool
}

func (s *stubService) Namespace() string { return s.ns }
func (s *stubService) Version() string   { return "1" }
func (s *stubService) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s.handled = append(s.handled, method)
	return map[string]string{"method": method}, nil
}
func (s *stubService) HandleBinary(ctx context.Context, frame protocol.BinaryFrame) {}
func (s *stubService) Shutdown()                                                    { s.shutdown = true }

type reapingService struct {
	stubService
	events []broadcast.Event
}

func (s *reapingService) Reap(ctx context.Context) []broadcast.Event { return s.events }

func TestRouteDispatchesByNamespace(t *testing.T) {
	r := New()
	term := &stubService{ns: "terminal"}
	r.Register(term)

	result, err := r.Route(context.Background(), "terminal.create", nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	m, ok := result.(map[string]string)
	if !ok || m["method"] != "create" {
		t.Errorf("result = %#v, want method=create", result)
	}
	if len(term.handled) != 1 || term.handled[0] != "create" {
		t.Errorf("handled = %v, want [create]", term.handled)
	}
}

func TestRouteUnknownNamespaceNotFound(t *testing.T) {
	r := New()
	_, err := r.Route(context.Background(), "ghost.do", nil)
	protoErr, ok := err.(*protocol.Error)
	if !ok {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if protoErr.Code != protocol.MethodNotFound {
		t.Errorf("code = %v, want MethodNotFound", protoErr.Code)
	}
}

func TestRouteMethodWithoutDot(t *testing.T) {
	r := New()
	svc := &stubService{ns: "ping"}
	r.Register(svc)
	if _, err := r.Route(context.Background(), "ping", nil); err != nil {
		t.Fatalf("route: %v", err)
	}
	if svc.handled[0] != "" {
		t.Errorf("verb = %q, want empty", svc.handled[0])
	}
}

func TestUnregisterRemovesService(t *testing.T) {
	r := New()
	r.Register(&stubService{ns: "cron"})
	r.Unregister("cron")
	if _, err := r.Route(context.Background(), "cron.list", nil); err == nil {
		t.Error("expected method-not-found after unregister")
	}
}

func TestRegisterTwiceReplaces(t *testing.T) {
	r := New()
	first := &stubService{ns: "agent"}
	second := &stubService{ns: "agent"}
	r.Register(first)
	r.Register(second)

	r.Route(context.Background(), "agent.run", nil)
	if len(first.handled) != 0 {
		t.Error("first registration should have been replaced")
	}
	if len(second.handled) != 1 {
		t.Error("second registration should have handled the request")
	}
}

func TestCapabilitiesSortedByNamespace(t *testing.T) {
	r := New()
	r.Register(&stubService{ns: "terminal"})
	r.Register(&stubService{ns: "agent"})
	r.Register(&stubService{ns: "cron"})

	caps := r.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("len(caps) = %d, want 3", len(caps))
	}
	want := []string{"agent", "cron", "terminal"}
	for i, c := range caps {
		if c.Service != want[i] {
			t.Errorf("caps[%d] = %q, want %q", i, c.Service, want[i])
		}
	}
}

func TestReapAllAggregatesAcrossServices(t *testing.T) {
	r := New()
	r.Register(&reapingService{
		stubService: stubService{ns: "terminal"},
		events:      []broadcast.Event{{Topic: "terminal.session.exit"}},
	})
	r.Register(&stubService{ns: "agent"}) // no Reap method — must be skipped, not panic
	r.Register(&reapingService{
		stubService: stubService{ns: "cron"},
		events:      []broadcast.Event{{Topic: "cron.run.finished"}, {Topic: "cron.run.skipped"}},
	})

	events := r.ReapAll(context.Background())
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
}

func TestShutdownAllCallsEveryService(t *testing.T) {
	r := New()
	a := &stubService{ns: "a"}
	b := &stubService{ns: "b"}
	r.Register(a)
	r.Register(b)

	r.ShutdownAll()

	if !a.shutdown || !b.shutdown {
		t.Error("expected both services to be shut down")
	}
}

func TestNamespaceHelper(t *testing.T) {
	cases := map[string]string{
		"terminal.create":     "terminal",
		"chat.event.subscribe": "chat",
		"ping":                 "ping",
	}
	for method, want := range cases {
		if got := Namespace(method); got != want {
			t.Errorf("Namespace(%q) = %q, want %q", method, got, want)
		}
	}
}
