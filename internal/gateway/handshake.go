package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/homie-gateway/internal/identity"
	"github.com/ashureev/homie-gateway/internal/protocol"
	"github.com/ashureev/homie-gateway/internal/router"
)

// handshakeTimeout bounds how long a client has to send its ClientHello
// before the connection is dropped.
const handshakeTimeout = 5 * time.Second

// Authenticator resolves a client's auth_token into the scopes it grants.
// A token that fails to resolve should return ok=false.
type Authenticator interface {
	Authenticate(token string) (*identity.AuthContext, bool)
}

// AllowAllAuthenticator grants every scope regardless of token, for local
// development and tests.
type AllowAllAuthenticator struct{}

func (AllowAllAuthenticator) Authenticate(string) (*identity.AuthContext, bool) {
	return identity.AllScopes(), true
}

// StaticTokenAuthenticator grants every scope to clients presenting the
// configured token and rejects everyone else. Intended for single-operator
// deployments where one shared token stands in for a real credential
// store.
type StaticTokenAuthenticator struct {
	Token string
}

func (a StaticTokenAuthenticator) Authenticate(token string) (*identity.AuthContext, bool) {
	if token == "" || token != a.Token {
		return nil, false
	}
	return identity.AllScopes(), true
}

// serverVersions is the protocol version range this gateway supports.
var serverVersions = protocol.VersionRange{Min: protocol.ProtocolVersion, Max: protocol.ProtocolVersion}

// performHandshake reads the client's first frame, negotiates a protocol
// version, authenticates, and replies with ServerHello or Reject (spec.md
// §4.2 "Handshake").
func performHandshake(ctx context.Context, ws *websocket.Conn, auth Authenticator, svc []protocol.ServiceCapability, serverID string) (*identity.AuthContext, string, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	msgType, data, err := ws.Read(hctx)
	if err != nil {
		return nil, "", fmt.Errorf("read client hello: %w", err)
	}
	if msgType != websocket.MessageText {
		rejectHandshake(ctx, ws, protocol.RejectServerError, "first frame must be text")
		return nil, "", fmt.Errorf("first frame was not text")
	}

	var hello protocol.ClientHello
	if err := json.Unmarshal(data, &hello); err != nil {
		rejectHandshake(ctx, ws, protocol.RejectServerError, "malformed client hello")
		return nil, "", fmt.Errorf("decode client hello: %w", err)
	}

	if _, ok := serverVersions.Overlap(hello.Protocol); !ok {
		rejectHandshake(ctx, ws, protocol.RejectVersionMismatch, "no overlapping protocol version")
		return nil, "", fmt.Errorf("version mismatch: client %+v, server %+v", hello.Protocol, serverVersions)
	}

	authCtx, ok := auth.Authenticate(hello.AuthToken)
	if !ok {
		rejectHandshake(ctx, ws, protocol.RejectServerError, "authentication failed")
		return nil, "", fmt.Errorf("authentication failed for client %s", hello.ClientID)
	}

	serverHello := protocol.ServerHello{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerID:        serverID,
		Services:        svc,
	}
	raw, err := json.Marshal(serverHello)
	if err != nil {
		return nil, "", fmt.Errorf("marshal server hello: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, raw); err != nil {
		return nil, "", fmt.Errorf("write server hello: %w", err)
	}

	return authCtx, hello.ClientID, nil
}

func rejectHandshake(ctx context.Context, ws *websocket.Conn, code protocol.RejectCode, reason string) {
	raw, err := json.Marshal(protocol.Reject{Code: code, Reason: reason})
	if err == nil {
		_ = ws.Write(ctx, websocket.MessageText, raw)
	}
	_ = ws.Close(websocket.StatusCode(protocol.CloseHandshakeRejected), reason)
}

// buildCapabilities returns the router's service list for ServerHello.
func buildCapabilities(r *router.Router) []protocol.ServiceCapability {
	return r.Capabilities()
}
