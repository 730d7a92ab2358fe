package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/identity"
	"github.com/ashureev/homie-gateway/internal/protocol"
	"github.com/ashureev/homie-gateway/internal/router"
	"github.com/ashureev/homie-gateway/internal/subscription"
	"github.com/ashureev/homie-gateway/internal/terminal"
)

// outboundCapacity bounds the per-connection outbound queue; once full,
// further pushes are dropped rather than blocking the connection loop
// (spec.md §5 "drop-newest").
const outboundCapacity = 256

// idleTimeout closes a connection that sends nothing for this long.
const idleTimeout = 5 * time.Minute

// heartbeatInterval is how often the server pings the client (spec.md §4.1
// select floor source 3, §6 "Heartbeat").
const heartbeatInterval = 30 * time.Second

// pingTimeout bounds how long a single heartbeat ping waits for its pong.
const pingTimeout = 10 * time.Second

type outboundMsg struct {
	msgType websocket.MessageType
	data    []byte
}

// Conn drives one client connection's lifetime: handshake, request
// dispatch, binary frame routing, and broadcast fan-out filtered by its own
// subscriptions (spec.md §4.2 "Connection loop").
type Conn struct {
	id       string
	ws       *websocket.Conn
	router   *router.Router
	bus      *broadcast.Bus
	subs     *subscription.Manager
	authCtx  *identity.AuthContext
	legacy   *legacyIDTracker
	outbound chan outboundMsg
}

// NewConn wraps an accepted, handshaken websocket connection.
func NewConn(connID string, ws *websocket.Conn, r *router.Router, bus *broadcast.Bus, authCtx *identity.AuthContext) *Conn {
	return &Conn{
		id:       connID,
		ws:       ws,
		router:   r,
		bus:      bus,
		subs:     subscription.New(),
		authCtx:  authCtx,
		legacy:   newLegacyIDTracker(),
		outbound: make(chan outboundMsg, outboundCapacity),
	}
}

type inboundMsg struct {
	msgType websocket.MessageType
	data    []byte
}

// Run drives the connection until ctx is canceled, the client disconnects,
// or the idle timeout fires. It is the select floor over every source that
// can produce outbound traffic: inbound text and binary frames, this
// connection's broadcast subscription, the heartbeat ticker, and the idle
// timer; the outbound queue is drained by a separate writer goroutine. The
// reader and writer each run under an errgroup, and the reader ending
// (including on a clean close) cancels the loop, rather than the
// ad hoc WaitGroup+channel bookkeeping the teacher's dual-goroutine
// terminal websocket loop used.
func (c *Conn) Run(ctx context.Context) error {
	ownCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ownCtx)

	sub := c.bus.Subscribe()
	defer sub.Close()

	inbound := make(chan inboundMsg, 1)
	g.Go(func() error {
		defer cancel()
		for {
			msgType, data, err := c.ws.Read(gctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			select {
			case inbound <- inboundMsg{msgType, data}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		return c.writeLoop(gctx)
	})

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

loop:
	for {
		select {
		case <-gctx.Done():
			break loop

		case in := <-inbound:
			idle.Reset(idleTimeout)
			switch in.msgType {
			case websocket.MessageText:
				c.handleText(gctx, in.data)
			case websocket.MessageBinary:
				c.handleBinary(gctx, in.data)
			}

		case ev := <-sub.C:
			if c.subs.Matches(ev.Topic) {
				c.pushEvent(ev)
			}

		case <-heartbeat.C:
			c.sendPing(gctx)

		case <-idle.C:
			_ = c.ws.Close(websocket.StatusCode(protocol.CloseIdleTimeout), "idle timeout")
			cancel()
			break loop
		}
	}

	return g.Wait()
}

// sendPing fires a WebSocket ping off the select loop so a slow or
// unresponsive peer can't stall the connection loop itself; errors other
// than the connection already being closed are logged and otherwise
// ignored (spec.md §4.1 "ignore errors other than channel closed").
func (c *Conn) sendPing(ctx context.Context) {
	go func() {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := c.ws.Ping(pingCtx); err != nil && ctx.Err() == nil {
			slog.Warn("heartbeat ping failed", "conn_id", c.id, "err", err)
		}
	}()
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.outbound:
			if !ok {
				return nil
			}
			if err := c.ws.Write(ctx, msg.msgType, msg.data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *Conn) push(msgType websocket.MessageType, data []byte) {
	select {
	case c.outbound <- outboundMsg{msgType, data}:
	default:
		slog.Warn("outbound queue full, dropping message", "conn_id", c.id)
	}
}

func (c *Conn) pushEvent(ev broadcast.Event) {
	raw, err := json.Marshal(protocol.Event{Type: "event", Topic: ev.Topic, Params: ev.Params})
	if err != nil {
		slog.Warn("marshal broadcast event failed", "topic", ev.Topic, "err", err)
		return
	}
	c.push(websocket.MessageText, raw)
}

func (c *Conn) sendResponse(resp *protocol.Response) {
	resp.ID = c.legacy.restore(resp.ID)
	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("marshal response failed", "err", err)
		return
	}
	c.push(websocket.MessageText, raw)
}

func (c *Conn) handleText(ctx context.Context, data []byte) {
	env, err := protocol.DecodeRequest(data)
	if err != nil {
		slog.Warn("decode request failed", "conn_id", c.id, "err", err)
		return
	}

	switch env.Type {
	case "request":
		c.handleRequest(ctx, env)
	default:
		slog.Warn("unknown envelope type", "conn_id", c.id, "type", env.Type)
	}
}

func (c *Conn) handleRequest(ctx context.Context, env *protocol.Envelope) {
	internalID := c.legacy.normalize(env.ID)

	method := env.Method
	if method == "events.subscribe" || method == "subscribe" {
		c.handleSubscribe(internalID, env.Params, "")
		return
	}
	if ns, ok := eventSubscribeAliasNamespace(method); ok {
		c.handleSubscribe(internalID, env.Params, ns+".*")
		return
	}
	if method == "events.unsubscribe" || method == "unsubscribe" {
		c.handleUnsubscribe(internalID, env.Params)
		return
	}

	ns := router.Namespace(method)
	if scope, ok := identity.ScopeForMethod(ns); ok {
		if !c.authCtx.Allows(scope) {
			c.sendResponse(protocol.NewErrorResponse(internalID, protocol.ErrUnauthorized("missing scope: "+string(scope))))
			return
		}
	} else if !c.authCtx.Allows(identity.ScopeAdmin) {
		c.sendResponse(protocol.NewErrorResponse(internalID, protocol.ErrUnauthorized("unknown namespace: "+ns)))
		return
	}

	reqCtx := ctx
	if ns == "terminal" {
		reqCtx = terminalRequestContext(ctx, c)
	}

	result, err := c.router.Route(reqCtx, method, env.Params)
	if err != nil {
		var protoErr *protocol.Error
		if !errors.As(err, &protoErr) {
			protoErr = protocol.ErrInternal(err.Error())
		}
		c.sendResponse(protocol.NewErrorResponse(internalID, protoErr))
		return
	}

	resp, err := protocol.NewResultResponse(internalID, result)
	if err != nil {
		c.sendResponse(protocol.NewErrorResponse(internalID, protocol.ErrInternal(err.Error())))
		return
	}
	c.sendResponse(resp)
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

// eventSubscribeAliasNamespace recognizes the "<namespace>.event.subscribe"
// convenience alias (spec.md §4.1 "Built-in methods": e.g.
// "chat.event.subscribe", "agent.chat.event.subscribe") and returns the
// namespace to default the subscription topic to.
func eventSubscribeAliasNamespace(method string) (string, bool) {
	return strings.CutSuffix(method, ".event.subscribe")
}

// handleSubscribe implements events.subscribe and its per-namespace
// convenience aliases. defaultTopic is used only when the client supplied
// no topic of its own.
func (c *Conn) handleSubscribe(id json.RawMessage, params json.RawMessage, defaultTopic string) {
	var p subscribeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			c.sendResponse(protocol.NewErrorResponse(id, protocol.ErrInvalidParams(err.Error())))
			return
		}
	}
	if p.Topic == "" {
		p.Topic = defaultTopic
	}
	subID, err := c.subs.Subscribe(p.Topic)
	if err != nil {
		c.sendResponse(protocol.NewErrorResponse(id, protocol.ErrInvalidParams(err.Error())))
		return
	}
	resp, _ := protocol.NewResultResponse(id, map[string]string{"subscription_id": subID})
	c.sendResponse(resp)
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscription_id"`
}

func (c *Conn) handleUnsubscribe(id json.RawMessage, params json.RawMessage) {
	var p unsubscribeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			c.sendResponse(protocol.NewErrorResponse(id, protocol.ErrInvalidParams(err.Error())))
			return
		}
	}
	removed := c.subs.Unsubscribe(p.SubscriptionID)
	resp, _ := protocol.NewResultResponse(id, map[string]bool{"removed": removed})
	c.sendResponse(resp)
}

func (c *Conn) handleBinary(ctx context.Context, data []byte) {
	frame, err := protocol.DecodeBinaryFrame(data)
	if err != nil {
		slog.Warn("decode binary frame failed", "conn_id", c.id, "err", err)
		return
	}
	if err := c.router.RouteBinary(terminalRequestContext(ctx, c), "terminal", frame); err != nil {
		slog.Warn("route binary frame failed", "conn_id", c.id, "err", err)
	}
}

// terminalRequestContext attaches this connection's id and a Sender
// closure so terminal.Service can stream binary frames back without a
// JSON-serializable collaborator in the request params (spec.md §4.1
// "Outbound handling").
func terminalRequestContext(ctx context.Context, c *Conn) context.Context {
	sender := func(frame protocol.BinaryFrame) bool {
		data, err := frame.Encode()
		if err != nil {
			return false
		}
		select {
		case c.outbound <- outboundMsg{websocket.MessageBinary, data}:
			return true
		default:
			return false
		}
	}
	ctx = terminal.WithSender(ctx, sender)
	return terminal.WithConnID(ctx, c.id)
}
