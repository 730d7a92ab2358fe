package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestBinaryFrameRoundTrip(t *testing.T) {
	sid := uuid.New().String()
	f := BinaryFrame{SessionID: sid, Stream: StreamStdout, Payload: []byte("hello")}

	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeBinaryFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.SessionID != sid {
		t.Errorf("session id = %q, want %q", decoded.SessionID, sid)
	}
	if decoded.Stream != StreamStdout {
		t.Errorf("stream = %v, want StreamStdout", decoded.Stream)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("payload = %q, want %q", decoded.Payload, f.Payload)
	}
}

func TestBinaryFrameEmptyPayload(t *testing.T) {
	sid := uuid.New().String()
	f := BinaryFrame{SessionID: sid, Stream: StreamStdin}

	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeBinaryFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("payload = %v, want empty", decoded.Payload)
	}
}

func TestDecodeBinaryFrameShort(t *testing.T) {
	if _, err := DecodeBinaryFrame([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestDecodeBinaryFrameBadStream(t *testing.T) {
	sid := uuid.New()
	data := make([]byte, binaryHeaderLen)
	copy(data[:16], sid[:])
	data[16] = 9
	if _, err := DecodeBinaryFrame(data); err == nil {
		t.Error("expected error for unknown stream tag")
	}
}

func TestEncodeInvalidSessionID(t *testing.T) {
	f := BinaryFrame{SessionID: "not-a-uuid", Stream: StreamStdin}
	if _, err := f.Encode(); err == nil {
		t.Error("expected error for invalid session id")
	}
}
