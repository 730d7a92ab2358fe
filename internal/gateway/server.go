// Package gateway wires the router, broadcast bus, and every registered
// service to the websocket upgrade endpoint, generalizing the teacher's
// cmd/server/main.go + internal/api.Handler composition into a single
// long-lived entry point (spec.md §4.1 "Gateway process").
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/router"
)

// reapInterval is how often the gateway sweeps every registered service for
// ReapEvents (spec.md §4.5 "Tick").
const reapInterval = 2 * time.Second

// Gateway is the long-lived process state: one router shared by every
// connection, one broadcast bus every connection subscribes to, and a
// background reaper loop.
type Gateway struct {
	Router   *router.Router
	Bus      *broadcast.Bus
	Auth     Authenticator
	ServerID string

	wg sync.WaitGroup
}

// New creates a Gateway with r and bus already populated by the caller
// (cmd/gateway/main.go registers terminal/chat/cron before mounting
// ServeHTTP).
func New(r *router.Router, bus *broadcast.Bus, auth Authenticator, serverID string) *Gateway {
	if auth == nil {
		auth = AllowAllAuthenticator{}
	}
	return &Gateway{Router: r, Bus: bus, Auth: auth, ServerID: serverID}
}

// RunReaper drives the periodic ReapAll sweep until ctx is canceled,
// publishing every collected event to the bus (spec.md §4.5).
func (g *Gateway) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range g.Router.ReapAll(ctx) {
				g.Bus.Publish(ev)
			}
		}
	}
}

// ServeHTTP upgrades the connection to a websocket, performs the
// handshake, and drives the connection loop until it ends (spec.md §4.2).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()
	authCtx, clientID, err := performHandshake(ctx, ws, g.Auth, buildCapabilities(g.Router), g.ServerID)
	if err != nil {
		slog.Info("handshake failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	connID := domain.NewID()
	conn := NewConn(connID, ws, g.Router, g.Bus, authCtx)

	g.wg.Add(1)
	defer g.wg.Done()

	if err := conn.Run(ctx); err != nil {
		slog.Info("connection ended", "conn_id", connID, "client_id", clientID, "err", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "session ended")
}

// Health reports liveness for a load balancer / orchestrator health check.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Wait blocks until every connection loop started via ServeHTTP has
// returned, for use during graceful shutdown.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
