/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ipc implements the IPC Facade (C12): the message-framed request/
// response codec and the dispatch table it drives. The transport byte
// stream itself (what kind of pipe/socket carries the frames) is the
// external collaborator's job per spec.md §1's Non-goals; this package
// only frames/parses messages over any io.ReadWriter and dispatches them
// to the Route Table, Process Registry, Aggregator, and Persistor.
// Grounded on original_source/src/common/IPCProtocol.h for the message
// type enum and spec.md §4.8/§6 for the wire shape; every IPC session is
// uuid-tagged, echoing gravwell's Ingester-UUID idiom from
// ingest/config/config.go.
package ipc

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/routermgr/routerd/internal/rlog"
)

// MessageType identifies a dispatch table entry, mirroring
// original_source/src/common/IPCProtocol.h's message type enum. The numeric
// values are part of the wire protocol and must match IPCProtocol.h exactly;
// 11 is deliberately unassigned there, so MsgSetAIPreload is pinned to 12
// rather than following on sequentially from MsgOptimizeRoutes.
type MessageType uint32

const (
	MsgGetStatus            MessageType = 1
	MsgGetConfig            MessageType = 2
	MsgSetConfig            MessageType = 3
	MsgGetProcesses         MessageType = 4
	MsgSetSelectedProcesses MessageType = 5
	MsgGetRoutes            MessageType = 6
	MsgAddRoute             MessageType = 7
	MsgRemoveRoute          MessageType = 8
	MsgClearRoutes          MessageType = 9
	MsgOptimizeRoutes       MessageType = 10
	MsgSetAIPreload         MessageType = 12
)

// ErrFrameTooLarge guards against a corrupt or hostile length prefix.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")

// MaxFrameSize bounds a single payload to defend against a malformed
// length prefix requesting an unbounded read.
const MaxFrameSize = 16 << 20 // 16 MiB

// Request is one framed inbound message: {u32 type, bytes payload}, with
// payload length carried as a u64 little-endian prefix per spec.md §4.8's
// resolved framing (no native size_t/wide-string ambiguity; see
// SPEC_FULL.md §8).
type Request struct {
	Type    MessageType
	Payload []byte
}

// Response is one framed outbound message: {bool success, data, err}.
type Response struct {
	Success bool
	Data    []byte
	Err     string
}

// ReadRequest parses one framed Request from r.
func ReadRequest(r io.Reader) (Request, error) {
	var typ uint32
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return Request{}, err
	}
	payload, err := readFramedBytes(r)
	if err != nil {
		return Request{}, err
	}
	return Request{Type: MessageType(typ), Payload: payload}, nil
}

// WriteResponse frames and writes resp to w.
func WriteResponse(w io.Writer, resp Response) error {
	if err := writeBool(w, resp.Success); err != nil {
		return err
	}
	if err := writeFramedBytes(w, resp.Data); err != nil {
		return err
	}
	return writeFramedBytes(w, []byte(resp.Err))
}

func readFramedBytes(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func writeFramedBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func writeBool(w io.Writer, b bool) error {
	var v uint8
	if b {
		v = 1
	}
	return binary.Write(w, binary.LittleEndian, v)
}

// Handler processes one Request and returns a Response.
type Handler func(Request) Response

// Dispatcher routes Requests to registered Handlers by MessageType.
type Dispatcher struct {
	log      *rlog.Logger
	mtx      sync.RWMutex
	handlers map[MessageType]Handler
}

func NewDispatcher(log *rlog.Logger) *Dispatcher {
	if log == nil {
		log = rlog.NewDiscard()
	}
	return &Dispatcher{log: log, handlers: make(map[MessageType]Handler)}
}

// Register installs h as the handler for typ, overwriting any prior
// registration.
func (d *Dispatcher) Register(typ MessageType, h Handler) {
	d.mtx.Lock()
	d.handlers[typ] = h
	d.mtx.Unlock()
}

func (d *Dispatcher) dispatch(req Request) Response {
	d.mtx.RLock()
	h, ok := d.handlers[req.Type]
	d.mtx.RUnlock()
	if !ok {
		return Response{Success: false, Err: "ipc: unknown message type"}
	}
	return h(req)
}

// ServeConn handles one connected client's request/response loop over rw
// until a read error (including a clean EOF on disconnect) ends it. Each
// call is tagged with a fresh session id for correlation in logs.
func (d *Dispatcher) ServeConn(rw io.ReadWriter) error {
	sessionID := uuid.New()
	d.log.Info("ipc: session connected", d.log.KV("session", sessionID.String()))
	defer d.log.Info("ipc: session disconnected", d.log.KV("session", sessionID.String()))

	for {
		req, err := ReadRequest(rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp := d.dispatch(req)
		if err := WriteResponse(rw, resp); err != nil {
			return err
		}
	}
}
