package wire

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestWriteReadRoundTrip(t *testing.T) {
	msg := Message{Kind: KindQuery, Payload: append([]byte("SELECT 1"), 0)}

	var buf bytes.Buffer
	if err := Write(&buf, msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := ReadBlock(&buf)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if got.Kind != msg.Kind || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestEncodeIsIdentityWithWrite(t *testing.T) {
	msg := Message{Kind: KindReadyForQuery, Payload: []byte{'I'}}
	encoded := Encode(msg)

	var buf bytes.Buffer
	Write(&buf, msg)

	if !bytes.Equal(encoded, buf.Bytes()) {
		t.Fatalf("Encode/Write mismatch: %x vs %x", encoded, buf.Bytes())
	}
}

func TestReadTimeoutExpires(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := ReadTimeout(server, 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReadTimeoutReceivesMessage(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go Write(client, Message{Kind: KindReadyForQuery, Payload: []byte{'I'}})

	msg, err := ReadTimeout(server, time.Second)
	if err != nil {
		t.Fatalf("ReadTimeout: %v", err)
	}
	if msg.Kind != KindReadyForQuery || msg.Payload[0] != 'I' {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestExtractMessage(t *testing.T) {
	var buf bytes.Buffer
	Write(&buf, Message{Kind: KindParameterStatus, Payload: append(append([]byte("server_version"), 0), append([]byte("15.3"), 0)...)})
	Write(&buf, Message{Kind: KindBackendKeyData, Payload: []byte{0, 0, 0, 1, 0, 0, 0, 2}})
	Write(&buf, Message{Kind: KindReadyForQuery, Payload: []byte{'I'}})

	payload, ok := ExtractMessage(KindBackendKeyData, buf.Bytes())
	if !ok {
		t.Fatalf("expected to find BackendKeyData frame")
	}
	if !bytes.Equal(payload, []byte{0, 0, 0, 1, 0, 0, 0, 2}) {
		t.Fatalf("unexpected payload: %x", payload)
	}

	if _, ok := ExtractMessage(KindErrorResponse, buf.Bytes()); ok {
		t.Fatalf("did not expect to find ErrorResponse frame")
	}
}

func TestExtractMessageOffsetIterates(t *testing.T) {
	var buf bytes.Buffer
	Write(&buf, Message{Kind: KindParameterStatus, Payload: []byte("a\x00b\x00")})
	Write(&buf, Message{Kind: KindParameterStatus, Payload: []byte("c\x00d\x00")})

	data := buf.Bytes()
	kind, payload, next, ok := ExtractMessageOffset(0, data)
	if !ok || kind != KindParameterStatus || string(payload) != "a\x00b\x00" {
		t.Fatalf("first frame mismatch: %c %q %v", kind, payload, ok)
	}

	kind, payload, _, ok = ExtractMessageOffset(next, data)
	if !ok || kind != KindParameterStatus || string(payload) != "c\x00d\x00" {
		t.Fatalf("second frame mismatch: %c %q %v", kind, payload, ok)
	}
}

func TestEncodeStartupMessageRoundTrip(t *testing.T) {
	raw := EncodeStartupMessage(map[string]string{"user": "alice", "database": "postgres"})

	sp, err := ReadStartupPacket(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadStartupPacket: %v", err)
	}
	if sp.Code != ProtocolV3 {
		t.Fatalf("expected protocol version code, got %d", sp.Code)
	}
	if sp.Params["user"] != "alice" || sp.Params["database"] != "postgres" {
		t.Fatalf("unexpected params: %+v", sp.Params)
	}
}

func TestReadStartupPacketCancelRequest(t *testing.T) {
	buf := make([]byte, 16)
	buf[3] = 16
	buf[7] = byte(CancelRequestCode & 0xff)
	buf[4] = byte(CancelRequestCode >> 24 & 0xff)
	buf[5] = byte(CancelRequestCode >> 16 & 0xff)
	buf[6] = byte(CancelRequestCode >> 8 & 0xff)
	buf[11] = 42  // backend pid low byte
	buf[15] = 7   // backend key low byte

	sp, err := ReadStartupPacket(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadStartupPacket: %v", err)
	}
	if sp.Code != CancelRequestCode {
		t.Fatalf("expected CancelRequestCode, got %d", sp.Code)
	}
	if sp.BackendPID != 42 || sp.BackendKey != 7 {
		t.Fatalf("unexpected cancel fields: pid=%d key=%d", sp.BackendPID, sp.BackendKey)
	}
}

func TestBuildAndParseErrorResponse(t *testing.T) {
	msg := BuildErrorResponse("FATAL", "28P01", "password authentication failed")
	got := ParseErrorMessage(msg.Payload)
	if got != "password authentication failed" {
		t.Fatalf("unexpected parsed message: %q", got)
	}
}
