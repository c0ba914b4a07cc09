// Package instance implements the unit the event loop schedules: one
// paired (client-side, compositor-side) wire connection plus the
// object registry shared by both directions, and the forwarding
// discipline (spec.md §4.5) that frames, decodes, and relays messages
// between them.
//
// An Instance holds both Conns directly rather than each Conn holding
// a peer pointer — spec.md §9's "cyclic ownership" guidance modelled
// as two fields of one owning aggregate instead of mutually owning
// pointers.
package instance

import (
	"fmt"

	"github.com/waywire/waywire/catalog"
	"github.com/waywire/waywire/frontend"
	"github.com/waywire/waywire/registry"
	"github.com/waywire/waywire/wire"
)

// Side identifies which of an instance's two connections a caller
// means.
type Side int

const (
	ClientSide Side = iota
	CompositorSide
)

// Instance owns exactly two wire connections and one object registry
// (spec.md §3). ID is a monotonically increasing number assigned by
// whatever creates it, used only for log-line context.
type Instance struct {
	ID    int
	Front frontend.Frontend

	Client     *wire.Conn
	Compositor *wire.Conn
	Registry   *registry.Registry

	// OnTrace, if set, receives every rendered trace line as it is
	// produced, in forwarding order.
	OnTrace func(side Side, line string)
}

// New builds an instance from two already-connected fds. If cat is
// non-nil, id 1 is pre-bound to its display descriptor (spec.md §3);
// front selects binary or analyze rendering.
func New(id int, clientFd, compositorFd int, cat *catalog.Catalog, front frontend.Frontend) *Instance {
	var display *catalog.Descriptor
	if cat != nil {
		display = cat.Display()
	}
	return &Instance{
		ID:         id,
		Front:      front,
		Client:     wire.NewConn(clientFd),
		Compositor: wire.NewConn(compositorFd),
		Registry:   registry.New(display),
	}
}

// Close tears down both connections, closing their fds and any queued
// unwritten fds (spec.md §5: "if an instance is destroyed with queued
// unwritten fds, they must be closed").
func (inst *Instance) Close() {
	inst.Client.Close()
	inst.Compositor.Close()
}

func (s Side) conn(inst *Instance) (src, peer *wire.Conn, dir registry.Direction) {
	if s == ClientSide {
		return inst.Client, inst.Compositor, registry.ToServer
	}
	return inst.Compositor, inst.Client, registry.ToClient
}

// Peer returns the connection opposite s — the one Pump(s) forwards
// onto and that must be flushed once Pump returns (spec.md §4.6:
// "then flush the peer connection").
func (inst *Instance) Peer(s Side) *wire.Conn {
	if s == ClientSide {
		return inst.Compositor
	}
	return inst.Client
}

// Conn returns the connection for side s.
func (inst *Instance) Conn(s Side) *wire.Conn {
	if s == ClientSide {
		return inst.Client
	}
	return inst.Compositor
}

// Pump drains every complete frame currently buffered in side's
// data-in, applying the 4-step forwarding discipline (spec.md §4.5) to
// each: render the trace line, append the verbatim payload to the
// peer's data-out (fds were already queued onto the peer by the
// frontend's decode step), then advance the source tail. It stops at
// the first "need more" or on a fatal framing error.
func (inst *Instance) Pump(s Side) error {
	src, peer, dir := s.conn(inst)

	for {
		frame, ok, err := wire.NextFrame(src.DataIn)
		if err != nil {
			return fmt.Errorf("instance %d: %w", inst.ID, err)
		}
		if !ok {
			return nil
		}

		result := inst.Front.HandleFrame(dir, frame.ObjectID, frame.Opcode, frame.Payload, inst.Registry, &src.FDsIn, &peer.FDsOut)
		if inst.OnTrace != nil {
			inst.OnTrace(s, result.Line)
		}

		// Forward the verbatim frame bytes (header + payload) to the
		// peer's data-out; any fds were already queued onto peer.FDsOut
		// by HandleFrame above (spec.md §4.5 steps 2-3).
		header := make([]byte, 8)
		wire.PutHeader(header, frame.ObjectID, frame.Opcode, frame.Size)
		if _, err := peer.Write(header); err != nil {
			return fmt.Errorf("instance %d: forward header: %w", inst.ID, err)
		}
		if _, err := peer.Write(frame.Payload); err != nil {
			return fmt.Errorf("instance %d: forward payload: %w", inst.ID, err)
		}

		if err := src.DataIn.Consume(frame.Size); err != nil {
			return fmt.Errorf("instance %d: %w", inst.ID, err)
		}

		if result.ShouldRemove {
			inst.Registry.Remove(result.RemoveID)
		}
	}
}
