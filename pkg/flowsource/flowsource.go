/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package flowsource declares the external collaborator interface for the
// OS-specific flow-capture driver (C1 in SPEC_FULL.md). The driver itself
// (a WinDivert-style flow-layer capture, an eBPF socket tracer, or
// equivalent) is deliberately out of scope; this package only fixes the
// shape the Flow Filter consumes.
package flowsource

import "context"

// EventKind distinguishes flow lifecycle notifications.
type EventKind uint8

const (
	FlowEstablished EventKind = iota
	FlowDeleted
)

func (k EventKind) String() string {
	if k == FlowEstablished {
		return "Established"
	}
	return "Deleted"
}

// Event mirrors the OS flow-capture driver's notification shape exactly as
// specified in SPEC_FULL.md §8: pid plus local/remote endpoint and
// protocol. Addresses are carried as strings (already rendered by the
// driver) rather than raw bytes, since Go has no use for a fixed [16]byte
// wire form once across the process boundary.
type Event struct {
	Kind       EventKind
	PID        uint32
	LocalPort  uint16
	RemotePort uint16
	Protocol   uint8
	LocalAddr  string
	RemoteAddr string
}

// Source is the external flow-capture collaborator. Recv blocks until an
// event is available, ctx is canceled, or Shutdown is called; all three
// are valid wake reasons per SPEC_FULL.md §5's suspension-point model.
type Source interface {
	Recv(ctx context.Context) (Event, error)
	// Shutdown unblocks any pending Recv with a sentinel error.
	Shutdown() error
}
