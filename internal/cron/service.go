package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/protocol"
	"github.com/ashureev/homie-gateway/internal/store"
)

// Service adapts Runner and its backing store to the router.Service
// contract under the "cron" namespace.
type Service struct {
	store  store.Store
	runner *Runner
}

// NewService wraps store and runner as a routable service.
func NewService(st store.Store, runner *Runner) *Service {
	return &Service{store: st, runner: runner}
}

func (s *Service) Namespace() string { return "cron" }
func (s *Service) Version() string   { return "1" }
func (s *Service) Shutdown()         {}
func (s *Service) HandleBinary(ctx context.Context, frame protocol.BinaryFrame) {}
func (s *Service) Reap(ctx context.Context) []broadcast.Event { return nil }

func clampLimit(limit *int, def, max int) int {
	if limit == nil || *limit <= 0 {
		return def
	}
	if *limit > max {
		return max
	}
	return *limit
}

type addParams struct {
	Name        string             `json:"name"`
	Schedule    string             `json:"schedule"`
	Command     string             `json:"command"`
	Status      *domain.CronStatus `json:"status"`
	SkipOverlap *bool              `json:"skip_overlap"`
}

type listParams struct {
	Status *domain.CronStatus `json:"status"`
	Limit  *int               `json:"limit"`
}

type updateParams struct {
	CronID      string             `json:"cron_id"`
	Name        *string            `json:"name"`
	Schedule    *string            `json:"schedule"`
	Command     *string            `json:"command"`
	Status      *domain.CronStatus `json:"status"`
	SkipOverlap *bool              `json:"skip_overlap"`
}

type cronIDParams struct {
	CronID string `json:"cron_id"`
}

type runsParams struct {
	CronID string `json:"cron_id"`
	Limit  *int   `json:"limit"`
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
	case "add", "start":
		return s.add(ctx, params)

	case "list":
		p, err := decode[listParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		crons, err := s.store.ListCrons(ctx)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		if p.Status != nil {
			filtered := crons[:0]
			for _, c := range crons {
				if c.Status == *p.Status {
					filtered = append(filtered, c)
				}
			}
			crons = filtered
		}
		limit := clampLimit(p.Limit, 100, 1000)
		if len(crons) > limit {
			crons = crons[:limit]
		}
		return map[string]any{"crons": crons}, nil

	case "update":
		p, err := decode[updateParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		c, err := s.store.GetCron(ctx, p.CronID)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		if c == nil {
			return nil, protocol.ErrInvalidParams("unknown cron")
		}
		if p.Name != nil {
			c.Name = *p.Name
		}
		if p.Schedule != nil {
			now := time.Now()
			next, err := scheduleNextAfter(*p.Schedule, now)
			if err != nil {
				return nil, protocol.ErrInvalidParams("invalid schedule: " + err.Error())
			}
			c.Schedule = *p.Schedule
			c.NextRunAt = &next
		}
		if p.Command != nil {
			c.Command = *p.Command
		}
		if p.Status != nil {
			c.Status = *p.Status
		}
		if p.SkipOverlap != nil {
			c.SkipOverlap = *p.SkipOverlap
		}
		c.UpdatedAt = time.Now()
		if err := s.store.UpsertCron(ctx, c); err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		return map[string]any{"cron": c}, nil

	case "remove":
		p, err := decode[cronIDParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		c, err := s.store.GetCron(ctx, p.CronID)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		if c == nil {
			return nil, protocol.ErrInvalidParams("unknown cron")
		}
		if err := s.store.DeleteCron(ctx, p.CronID); err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		return map[string]any{"cron_id": p.CronID, "removed": true}, nil

	case "cancel":
		p, err := decode[cronIDParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		c, err := s.store.GetCron(ctx, p.CronID)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		if c == nil {
			return nil, protocol.ErrInvalidParams("unknown cron")
		}
		c.Status = domain.CronPaused
		c.UpdatedAt = time.Now()
		if err := s.store.UpsertCron(ctx, c); err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		return map[string]any{"cron": c}, nil

	case "run":
		return s.runNow(ctx, params, false)

	case "run.force":
		return s.runNow(ctx, params, true)

	case "status":
		p, err := decode[cronIDParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		c, err := s.store.GetCron(ctx, p.CronID)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		if c == nil {
			return nil, protocol.ErrInvalidParams("unknown cron")
		}
		return map[string]any{"cron": c, "last_run": c.LastRunAt}, nil

	case "runs":
		p, err := decode[runsParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		c, err := s.store.GetCron(ctx, p.CronID)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		if c == nil {
			return nil, protocol.ErrInvalidParams("unknown cron")
		}
		limit := clampLimit(p.Limit, 100, 500)
		runs, err := s.store.ListCronRuns(ctx, p.CronID, limit)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		return map[string]any{"runs": runs}, nil

	case "logs.tail":
		p, err := decode[runsParams](params)
		if err != nil {
			return nil, protocol.ErrInvalidParams(err.Error())
		}
		limit := clampLimit(p.Limit, 20, 100)
		runs, err := s.store.ListCronRuns(ctx, p.CronID, limit)
		if err != nil {
			return nil, protocol.ErrInternal(err.Error())
		}
		lines := make([]string, 0, len(runs))
		for _, run := range runs {
			if run.Error != "" {
				lines = append(lines, fmt.Sprintf("%s %s %s", run.RunID, run.Status, run.Error))
			} else {
				lines = append(lines, fmt.Sprintf("%s %s", run.RunID, run.Status))
			}
		}
		return map[string]any{"runs": lines, "items": len(lines)}, nil

	default:
		return nil, protocol.ErrMethodNotFound("cron." + method)
	}
}

func (s *Service) add(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[addParams](params)
	if err != nil {
		return nil, protocol.ErrInvalidParams(err.Error())
	}
	if p.Name == "" {
		return nil, protocol.ErrInvalidParams("missing name")
	}
	if p.Command == "" {
		return nil, protocol.ErrInvalidParams("missing command")
	}
	if p.Schedule == "" {
		return nil, protocol.ErrInvalidParams("missing schedule")
	}
	now := time.Now()
	next, err := scheduleNextAfter(p.Schedule, now)
	if err != nil {
		return nil, protocol.ErrInvalidParams(err.Error())
	}

	status := domain.CronActive
	if p.Status != nil {
		status = *p.Status
	}
	skipOverlap := true
	if p.SkipOverlap != nil {
		skipOverlap = *p.SkipOverlap
	}

	c := &domain.CronRecord{
		CronID: uuid.New().String(), Name: p.Name, Schedule: p.Schedule, Command: p.Command,
		Status: status, SkipOverlap: skipOverlap, CreatedAt: now, UpdatedAt: now, NextRunAt: &next,
	}
	if err := s.store.UpsertCron(ctx, c); err != nil {
		return nil, protocol.ErrInternal(err.Error())
	}
	return map[string]any{"cron": c}, nil
}

func (s *Service) runNow(ctx context.Context, params json.RawMessage, force bool) (any, error) {
	p, err := decode[cronIDParams](params)
	if err != nil {
		return nil, protocol.ErrInvalidParams(err.Error())
	}
	run, err := s.runner.RunNow(ctx, p.CronID, force)
	if err != nil {
		return nil, protocol.ErrInvalidParams(err.Error())
	}
	return map[string]any{"run": run}, nil
}
