package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the single version this server implements.
const ProtocolVersion = 1

// Close codes (spec.md §6).
const (
	CloseIdleTimeout       = 4000
	CloseHandshakeRejected = 4001
)

// VersionRange is the [min,max] protocol range a client offers or a server
// supports.
type VersionRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Overlap returns the negotiated version: the highest value present in
// both [a.Min,a.Max] and [b.Min,b.Max], and whether an overlap exists.
func (a VersionRange) Overlap(b VersionRange) (int, bool) {
	lo := a.Min
	if b.Min > lo {
		lo = b.Min
	}
	hi := a.Max
	if b.Max < hi {
		hi = b.Max
	}
	if lo > hi {
		return 0, false
	}
	return hi, true
}

// ClientHello is the first text frame a client must send.
type ClientHello struct {
	Protocol     VersionRange      `json:"protocol"`
	ClientID     string            `json:"client_id"`
	AuthToken    string            `json:"auth_token,omitempty"`
	Capabilities map[string]any    `json:"capabilities,omitempty"`
}

// ServiceCapability advertises one registered service's namespace+version.
type ServiceCapability struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// ServerHello is sent in reply to a successful handshake.
type ServerHello struct {
	ProtocolVersion int                 `json:"protocol_version"`
	ServerID        string              `json:"server_id"`
	Identity        map[string]any      `json:"identity,omitempty"`
	Services        []ServiceCapability `json:"services"`
}

// RejectCode enumerates why a handshake was rejected.
type RejectCode string

const (
	RejectVersionMismatch RejectCode = "VersionMismatch"
	RejectServerError     RejectCode = "ServerError"
)

// Reject is sent instead of ServerHello when the handshake cannot proceed;
// the connection is closed immediately afterward.
type Reject struct {
	Code   RejectCode `json:"code"`
	Reason string     `json:"reason"`
}

// Envelope is the outer shape every text frame is first decoded into, so
// the connection loop can dispatch on Type before parsing the rest.
type Envelope struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Topic   string          `json:"topic,omitempty"`
}

// Request is a decoded request envelope.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Response is the canonical reply to a Request. Exactly one of Result/Error
// is populated.
type Response struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func NewResultResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal response result: %w", err)
	}
	return &Response{Type: "response", ID: id, Result: raw}, nil
}

func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{Type: "response", ID: id, Error: err}
}

// Event is a server-to-client push; subject to the connection's
// subscription filter.
type Event struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Params any    `json:"params,omitempty"`
}

// legacyRequest is the older, pre-canonical request shape this server must
// keep accepting (spec.md §4.1 "Legacy envelope tolerance"): an id that may
// be a bare string or number, rather than the canonical opaque RawMessage.
type legacyRequest struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DecodeRequest parses a text frame as an Envelope and rejects one without a
// type. The id is kept as raw JSON, so both string and number ids are
// accepted here; gateway.legacyIDTracker swaps a non-string id for a fresh
// internal one and restores the original in the reply.
func DecodeRequest(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// IsLegacyID reports whether id is a JSON string or number literal (as
// opposed to the canonical UUID-as-string the server itself mints — both
// are JSON strings on the wire, so legacy tolerance is really about
// accepting numbers too; see gateway.legacyIDTracker for the rewrite).
func IsLegacyID(id json.RawMessage) bool {
	if len(id) == 0 {
		return false
	}
	switch id[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}
