package ipc

import (
	"bytes"
	"encoding/json"
	"testing"
)

// TestMessageTypeWireValues pins the protocol's numeric values against
// original_source/src/common/IPCProtocol.h: 11 is deliberately unassigned,
// so MsgSetAIPreload must be 12, not the next sequential value.
func TestMessageTypeWireValues(t *testing.T) {
	cases := map[MessageType]MessageType{
		MsgGetStatus:            1,
		MsgGetConfig:            2,
		MsgSetConfig:            3,
		MsgGetProcesses:         4,
		MsgSetSelectedProcesses: 5,
		MsgGetRoutes:            6,
		MsgAddRoute:             7,
		MsgRemoveRoute:          8,
		MsgClearRoutes:          9,
		MsgOptimizeRoutes:       10,
		MsgSetAIPreload:         12,
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("message type = %d, want %d", got, want)
		}
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Type: MsgGetStatus, Payload: []byte("hello")}

	var lenBuf bytes.Buffer
	if err := writeUint32(&lenBuf, uint32(req.Type)); err != nil {
		t.Fatal(err)
	}
	buf.Write(lenBuf.Bytes())
	if err := writeFramedBytes(&buf, req.Payload); err != nil {
		t.Fatal(err)
	}

	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if got.Type != MsgGetStatus || string(got.Payload) != "hello" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func writeUint32(w *bytes.Buffer, v uint32) error {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	_, err := w.Write(b)
	return err
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(MsgGetStatus, func(Request) Response {
		return Response{Success: true, Data: []byte(`{"ok":true}`)}
	})

	resp := d.dispatch(Request{Type: MsgGetStatus})
	if !resp.Success {
		t.Fatalf("expected success response")
	}
}

func TestDispatcherUnknownTypeFails(t *testing.T) {
	d := NewDispatcher(nil)
	resp := d.dispatch(Request{Type: MessageType(9999)})
	if resp.Success {
		t.Fatalf("expected failure for unknown message type")
	}
}

func TestWriteResponseThenReadBack(t *testing.T) {
	var buf bytes.Buffer
	resp := Response{Success: true, Data: []byte(`{"a":1}`)}
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatal(err)
	}

	var successByte [1]byte
	if _, err := buf.Read(successByte[:]); err != nil {
		t.Fatal(err)
	}
	if successByte[0] != 1 {
		t.Fatalf("expected success byte 1")
	}
	data, err := readFramedBytes(&buf)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["a"] != 1 {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}
}
