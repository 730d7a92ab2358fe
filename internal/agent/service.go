package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/protocol"
)

// Service adapts Backend to the router.Service contract under the "chat"
// namespace.
type Service struct {
	backend *Backend
}

// NewService wraps backend as a routable service.
func NewService(backend *Backend) *Service {
	return &Service{backend: backend}
}

func (s *Service) Namespace() string { return "chat" }
func (s *Service) Version() string   { return "1" }
func (s *Service) Shutdown()         { s.backend.Shutdown() }

func (s *Service) HandleBinary(ctx context.Context, frame protocol.BinaryFrame) {}

type sendParams struct {
	ChatID            string         `json:"chat_id"`
	ThreadID          string         `json:"thread_id"`
	Text              string         `json:"text"`
	Model             string         `json:"model"`
	Settings          map[string]any `json:"settings"`
	ApprovalPolicy    string         `json:"approval_policy"`
	CollaborationMode string         `json:"collaboration_mode"`
	// Inject, when true and a run is already active on thread_id, offers
	// text to that live run instead of queuing a new turn (spec.md §4.4
	// "Queue-on-active message").
	Inject bool `json:"inject"`
}

type turnIDParams struct {
	TurnID string `json:"turn_id"`
}

type respondApprovalParams struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

type threadIDParams struct {
	ThreadID string `json:"thread_id"`
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
	case "send":
		p, err := decode[sendParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		if p.ChatID == "" || p.ThreadID == "" || p.Text == "" {
			return nil, protocol.ErrInvalidParams("chat_id, thread_id, and text are required")
		}
		policy := domain.ApprovalPolicy(p.ApprovalPolicy)
		if policy == "" {
			policy = domain.ApprovalAsk
		}
		if p.Inject {
			turnID, queued, err := s.backend.QueueMessage(ctx, p.ChatID, p.ThreadID, p.Text)
			if err != nil {
				return nil, err
			}
			if queued {
				return map[string]any{"queued": true, "turn_id": turnID}, nil
			}
		}
		turnID, err := s.backend.SendMessage(ctx, StartRunRequest{
			ChatID: p.ChatID, ThreadID: p.ThreadID, Text: p.Text, Model: p.Model,
			Settings: p.Settings, ApprovalPolicy: policy, CollaborationMode: p.CollaborationMode,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"turn_id": turnID}, nil

	case "cancel":
		p, err := decode[turnIDParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		if err := s.backend.CancelRun(p.TurnID); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "respond_approval":
		p, err := decode[respondApprovalParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		decision := domain.ApprovalPolicy(p.Decision)
		switch decision {
		case domain.ApprovalNever, domain.ApprovalAsk, domain.ApprovalAlways, domain.ApprovalAcceptForSession:
		default:
			return nil, protocol.ErrInvalidParams("unknown decision: " + p.Decision)
		}
		if err := s.backend.RespondApproval(p.RequestID, decision); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "get_thread":
		p, err := decode[threadIDParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		thread, err := s.backend.GetThread(ctx, p.ThreadID)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		return thread, nil

	default:
		return nil, protocol.ErrMethodNotFound("chat." + method)
	}
}
