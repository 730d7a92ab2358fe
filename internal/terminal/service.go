package terminal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/protocol"
)

// senderKey is how the connection loop hands HandleRequest a Sender for
// the duration of one call, since a Sender closes over the connection's
// outbound channel and cannot travel through JSON params (spec.md §4.1
// "Outbound handling").
type senderKey struct{}

// WithSender attaches sender to ctx for one request; only terminal.attach
// reads it.
func WithSender(ctx context.Context, sender Sender) context.Context {
	return context.WithValue(ctx, senderKey{}, sender)
}

func senderFromContext(ctx context.Context) (Sender, bool) {
	sender, ok := ctx.Value(senderKey{}).(Sender)
	return sender, ok
}

// connIDKey carries the connection id terminal.attach/detach act on behalf
// of, mirroring senderKey.
type connIDKey struct{}

// WithConnID attaches connID to ctx for one request.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey{}, connID)
}

func connIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

// Service adapts Registry to the router.Service contract under the
// "terminal" namespace.
type Service struct {
	registry *Registry
}

// NewService wraps registry as a routable service.
func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

func (s *Service) Namespace() string { return "terminal" }
func (s *Service) Version() string   { return "1" }
func (s *Service) Shutdown()         {}

func (s *Service) Reap(ctx context.Context) []broadcast.Event {
	events := s.registry.Reap(ctx)
	out := make([]broadcast.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, broadcast.Event{Topic: ev.Topic, Params: ev.Params})
	}
	return out
}

// HandleBinary writes stdin frames to the addressed session; stdout-typed
// frames from clients are ignored per spec.md §4.3 "Input".
func (s *Service) HandleBinary(ctx context.Context, frame protocol.BinaryFrame) {
	if frame.Stream != protocol.StreamStdin {
		return
	}
	if err := s.registry.Input(frame.SessionID, frame.Payload); err != nil {
		_ = err // per-frame write failures are not surfaced; the next reap will catch a dead session
	}
}

type createParams struct {
	Name  string `json:"name"`
	Shell string `json:"shell"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

type attachParams struct {
	SessionID string `json:"session_id"`
	Replay    bool   `json:"replay"`
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

type resizeParams struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type renameParams struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

type previewParams struct {
	SessionID string `json:"session_id"`
	MaxBytes  int    `json:"max_bytes"`
}

type attachMultiplexerParams struct {
	Name string `json:"name"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type killMultiplexerParams struct {
	Name string `json:"name"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("invalid params: %w", err)
	}
	return v, nil
}

func (s *Service) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "create", "start":
		p, err := decode[createParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		return s.registry.Start(ctx, p.Name, p.Shell, p.Cols, p.Rows)

	case "attach":
		p, err := decode[attachParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		if p.SessionID == "" {
			return nil, protocol.ErrInvalidParams("session_id is required")
		}
		sender, ok := senderFromContext(ctx)
		if !ok {
			return nil, protocol.ErrInternal("no outbound sender available for attach")
		}
		return s.registry.Attach(ctx, p.SessionID, connIDFromContext(ctx), sender, p.Replay)

	case "detach":
		p, err := decode[sessionIDParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		s.registry.Detach(p.SessionID, connIDFromContext(ctx))
		return map[string]bool{"ok": true}, nil

	case "resize":
		p, err := decode[resizeParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		if err := s.registry.Resize(ctx, p.SessionID, p.Cols, p.Rows); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "kill":
		p, err := decode[sessionIDParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		if err := s.registry.Kill(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "rename":
		p, err := decode[renameParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		if err := s.registry.Rename(ctx, p.SessionID, p.Name); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "preview":
		p, err := decode[previewParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		text, err := s.registry.Preview(p.SessionID, p.MaxBytes)
		if err != nil {
			return nil, err
		}
		return map[string]string{"text": text}, nil

	case "list":
		return s.registry.List(), nil

	case "list_multiplexer_sessions":
		supported, sessions, err := ListMultiplexerSessions(ctx)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		return map[string]any{"supported": supported, "sessions": sessions}, nil

	case "attach_multiplexer":
		p, err := decode[attachMultiplexerParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		return s.registry.AttachMultiplexer(ctx, p.Name, p.Cols, p.Rows)

	case "kill_multiplexer":
		p, err := decode[killMultiplexerParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		if err := KillMultiplexer(ctx, p.Name); err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		return map[string]bool{"ok": true}, nil

	default:
		return nil, protocol.ErrMethodNotFound("terminal." + method)
	}
}
