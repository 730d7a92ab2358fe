// Package router dispatches method calls by namespace to pluggable
// services (spec.md §4.2), generalizing the teacher's api.Handler
// composition (a single struct holding repo/mgr/sm) into a map keyed by
// namespace so services can be registered and removed independently.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/protocol"
)

// Service is the capability set every routable subsystem exposes (spec.md
// §4.2 and §9 "Dynamic dispatch"). A tagged-interface boxed handler is used
// rather than reflection: the surface is small enough that a plain
// interface works.
type Service interface {
	// Namespace is this service's routing prefix, e.g. "terminal".
	Namespace() string
	// Version is advertised in ServerHello's capability list.
	Version() string
	// HandleRequest dispatches one request's verb (the method string with
	// the namespace prefix already stripped) to this service.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	// HandleBinary delivers a decoded binary frame; only the terminal
	// service is expected to implement meaningful behavior here.
	HandleBinary(ctx context.Context, frame protocol.BinaryFrame)
	// Shutdown releases anything this service owns; ShutdownAll calls it once
	// at process shutdown, since one service instance is shared by every
	// connection. It must not block — async cleanup is scheduled on its own
	// goroutine.
	Shutdown()
}

// Reaper is implemented by services that produce ReapEvents on demand
// (spec.md §4.3 "Reap", §4.5 "Tick"). Not every service needs it, so it is
// a separate, optional interface rather than part of Service.
type Reaper interface {
	Reap(ctx context.Context) []broadcast.Event
}

// Router holds the map from namespace to service handler.
type Router struct {
	mu       sync.RWMutex
	services map[string]Service
}

// New creates an empty router.
func New() *Router {
	return &Router{services: make(map[string]Service)}
}

// Register adds svc under its own Namespace(). Registering twice under the
// same namespace replaces the previous service.
func (r *Router) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Namespace()] = svc
}

// Unregister removes the service registered under namespace, if any.
func (r *Router) Unregister(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, namespace)
}

// Capabilities lists every registered service's namespace+version, sorted
// for deterministic ServerHello output.
func (r *Router) Capabilities() []protocol.ServiceCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]protocol.ServiceCapability, 0, len(r.services))
	for ns, svc := range r.services {
		caps = append(caps, protocol.ServiceCapability{Service: ns, Version: svc.Version()})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Service < caps[j].Service })
	return caps
}

// Namespace returns the substring of method up to the first '.', or the
// whole method if there is none (spec.md §4.2 dispatch step 1).
func Namespace(method string) string {
	if i := strings.IndexByte(method, '.'); i >= 0 {
		return method[:i]
	}
	return method
}

// lookup finds the service for method's namespace without holding the lock
// across the HandleRequest call (spec.md §9 "Scoped acquisition").
func (r *Router) lookup(method string) (Service, string, bool) {
	ns := Namespace(method)
	r.mu.RLock()
	svc, ok := r.services[ns]
	r.mu.RUnlock()
	return svc, ns, ok
}

// Route dispatches one request by namespace (spec.md §4.2 dispatch steps
// 1-3). The verb handed to the service is the method with its namespace
// prefix and following dot stripped, so a service never has to re-parse its
// own namespace back out.
func (r *Router) Route(ctx context.Context, method string, params json.RawMessage) (any, error) {
	svc, ns, ok := r.lookup(method)
	if !ok {
		return nil, protocol.ErrMethodNotFound(ns)
	}
	verb := strings.TrimPrefix(method[len(ns):], ".")
	return svc.HandleRequest(ctx, verb, params)
}

// RouteBinary delivers frame to the terminal service by convention (spec.md
// §4.2: "in practice every binary frame is a terminal frame").
func (r *Router) RouteBinary(ctx context.Context, namespace string, frame protocol.BinaryFrame) error {
	r.mu.RLock()
	svc, ok := r.services[namespace]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("route binary: unknown service %q", namespace)
	}
	svc.HandleBinary(ctx, frame)
	return nil
}

// ReapAll collects ReapEvents from every registered service that
// implements Reaper. Used by the gateway's process-wide reaper loop
// (Gateway.RunReaper).
func (r *Router) ReapAll(ctx context.Context) []broadcast.Event {
	r.mu.RLock()
	services := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	r.mu.RUnlock()

	var events []broadcast.Event
	for _, svc := range services {
		if reaper, ok := svc.(Reaper); ok {
			events = append(events, reaper.Reap(ctx)...)
		}
	}
	return events
}

// ShutdownAll calls Shutdown on every registered service exactly once
// (spec.md §4.1 "Shutdown").
func (r *Router) ShutdownAll() {
	r.mu.RLock()
	services := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	r.mu.RUnlock()

	for _, svc := range services {
		svc.Shutdown()
	}
}
