package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Stream discriminates which direction a BinaryFrame's payload flows.
type Stream uint8

const (
	StreamStdin  Stream = 0
	StreamStdout Stream = 1
)

// binaryHeaderLen is the fixed header size: a 16-byte UUID plus one stream
// byte, ahead of the raw payload (spec.md §6 "Binary frame").
const binaryHeaderLen = 16 + 1

// BinaryFrame is a single sessionful byte-stream frame carried over a
// WebSocket binary message.
type BinaryFrame struct {
	SessionID string
	Stream    Stream
	Payload   []byte
}

// Encode serializes f as {session_id:16 bytes}{stream:1 byte}{payload...}.
func (f BinaryFrame) Encode() ([]byte, error) {
	id, err := uuid.Parse(f.SessionID)
	if err != nil {
		return nil, fmt.Errorf("encode binary frame: invalid session id: %w", err)
	}
	out := make([]byte, binaryHeaderLen+len(f.Payload))
	copy(out[:16], id[:])
	out[16] = byte(f.Stream)
	copy(out[binaryHeaderLen:], f.Payload)
	return out, nil
}

// DecodeBinaryFrame parses a raw WebSocket binary message into a
// BinaryFrame. Invalid frames are rejected rather than silently truncated.
func DecodeBinaryFrame(data []byte) (BinaryFrame, error) {
	if len(data) < binaryHeaderLen {
		return BinaryFrame{}, fmt.Errorf("decode binary frame: short frame (%d bytes)", len(data))
	}
	var id uuid.UUID
	copy(id[:], data[:16])
	stream := Stream(data[16])
	if stream != StreamStdin && stream != StreamStdout {
		return BinaryFrame{}, fmt.Errorf("decode binary frame: unknown stream tag %d", stream)
	}
	payload := make([]byte, len(data)-binaryHeaderLen)
	copy(payload, data[binaryHeaderLen:])
	return BinaryFrame{SessionID: id.String(), Stream: stream, Payload: payload}, nil
}
