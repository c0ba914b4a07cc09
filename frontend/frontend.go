// Package frontend implements the two trace strategies spec.md §9
// describes as "frontend polymorphism": binary (hex dump only) and
// analyze (typed decode via the signature decoder and the interface
// catalog). Both expose the same one-operation capability set so the
// event loop's dispatch code never branches on which is active.
package frontend

import (
	"encoding/hex"
	"fmt"

	"github.com/waywire/waywire/catalog"
	"github.com/waywire/waywire/decode"
	"github.com/waywire/waywire/registry"
	"github.com/waywire/waywire/ringbuf"
)

// Result is what handling one frame produced: the trace line to record
// and, for a decoded `destroy` message, the id to remove from the
// registry after forwarding (spec.md §4.4: "removes the object id
// after forwarding").
type Result struct {
	Line         string
	RemoveID     uint32
	ShouldRemove bool
}

// Frontend renders one framed message's trace line, side-effecting reg
// and the fd rings exactly as the signature decoder would (or not at
// all, for the binary frontend). It is chosen once per process based
// on whether any protocol description files were supplied (spec.md §6).
type Frontend interface {
	HandleFrame(
		dir registry.Direction,
		objectID uint32,
		opcode uint16,
		payload []byte,
		reg *registry.Registry,
		srcFDsIn, peerFDsOut *ringbuf.FDRing,
	) Result
}

// drainFDs moves every fd currently queued in srcFDsIn to peerFDsOut,
// preserving order. Used by any frontend path that never decodes `h`
// slots itself but still owes the peer byte/fd fidelity for this frame
// (spec.md §4.5).
func drainFDs(srcFDsIn, peerFDsOut *ringbuf.FDRing) {
	for {
		fd, ok := srcFDsIn.Dequeue()
		if !ok {
			return
		}
		peerFDsOut.Enqueue(fd)
	}
}

// Binary is the fallback frontend used when no protocol description
// files are loaded: it never touches the registry or decodes
// arguments, it only hex-dumps the payload. Because it never sees `h`
// or `N`/`n` slots, it drains fds-in itself so ancillary fds (wl_shm
// pools, dmabuf, keymaps) still reach the peer (spec.md §8 fd fidelity).
type Binary struct{}

func (Binary) HandleFrame(
	_ registry.Direction,
	objectID uint32,
	opcode uint16,
	payload []byte,
	_ *registry.Registry,
	srcFDsIn, peerFDsOut *ringbuf.FDRing,
) Result {
	drainFDs(srcFDsIn, peerFDsOut)
	line := fmt.Sprintf("obj %d op %d: %s", objectID, opcode, hex.EncodeToString(payload))
	return Result{Line: line}
}

// Analyze is the typed frontend: it resolves objectID to an interface
// via reg, picks the method/event table by dir, and walks the
// signature with package decode. Unresolvable ids or opcodes degrade
// to a warning marker (spec.md §4.4/§7 decode-soft-errors) but never
// stop forwarding.
type Analyze struct {
	Catalog *catalog.Catalog
}

func (a Analyze) HandleFrame(
	dir registry.Direction,
	objectID uint32,
	opcode uint16,
	payload []byte,
	reg *registry.Registry,
	srcFDsIn, peerFDsOut *ringbuf.FDRing,
) Result {
	iface, ok := reg.Lookup(objectID)
	if !ok || iface == nil {
		drainFDs(srcFDsIn, peerFDsOut)
		return Result{Line: fmt.Sprintf("obj %d op %d: unknown object", objectID, opcode)}
	}

	var msg catalog.Message
	if dir == registry.ToServer {
		msg, ok = iface.MethodByOpcode(opcode)
	} else {
		msg, ok = iface.EventByOpcode(opcode)
	}
	if !ok {
		drainFDs(srcFDsIn, peerFDsOut)
		return Result{Line: fmt.Sprintf("%s@%d: unknown opcode %d", iface.Name, objectID, opcode)}
	}

	args, err := decode.Walk(payload, msg, dir, reg, a.Catalog, srcFDsIn, peerFDsOut)
	if err != nil {
		return Result{Line: fmt.Sprintf("%s@%d.%s: decode error: %v", iface.Name, objectID, msg.Name, err)}
	}

	line := fmt.Sprintf("%s@%d.%s(%s)", iface.Name, objectID, msg.Name, args)
	if decode.IsDestroy(msg) {
		return Result{Line: line, RemoveID: objectID, ShouldRemove: true}
	}
	return Result{Line: line}
}
