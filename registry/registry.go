// Package registry implements the per-instance object-id table: a map
// from 32-bit object id to the interface it is currently bound to, with
// the id space split into a client-allocated half and a server-allocated
// half.
package registry

import (
	"errors"

	"github.com/waywire/waywire/catalog"
)

// halfBoundary splits the 32-bit id space: [1, halfBoundary) is
// client-allocated, [halfBoundary, 2^32) is server-allocated.
const halfBoundary uint32 = 0xFF000000

// DisplayID is the well-known id pre-bound to the display interface.
const DisplayID uint32 = 1

var (
	// ErrInvalidID is returned for id 0, which the protocol never assigns.
	ErrInvalidID = errors.New("registry: id 0 is never valid")
	// ErrIDCollision is returned by ReserveNew when id is already allocated.
	ErrIDCollision = errors.New("registry: id already allocated")
	// ErrNotReserved is returned by InsertAt when id was never reserved.
	ErrNotReserved = errors.New("registry: id not reserved")
	// ErrIDSpaceExhausted is returned by InsertNew when a half-space is full.
	ErrIDSpaceExhausted = errors.New("registry: id half-space exhausted")
)

// Direction indicates which endpoint introduced a new id, which in turn
// selects the half-space InsertNew allocates from.
type Direction int

const (
	// ToServer is a message flowing client -> compositor; it allocates
	// from the client half-space.
	ToServer Direction = iota
	// ToClient is a message flowing compositor -> client; it allocates
	// from the server half-space.
	ToClient
)

// Registry is a per-instance mapping from object id to interface
// descriptor. The zero value is not usable; construct with New.
type Registry struct {
	entries    map[uint32]*catalog.Descriptor
	nextClient uint32
	nextServer uint32
}

// New returns an empty Registry. If display is non-nil, id 1 is
// pre-bound to it (spec: "id 1 is pre-bound to the well-known display
// interface at instance creation if a protocol catalog is available").
func New(display *catalog.Descriptor) *Registry {
	r := &Registry{
		entries:    make(map[uint32]*catalog.Descriptor),
		nextClient: DisplayID + 1,
		nextServer: halfBoundary,
	}
	if display != nil {
		r.entries[DisplayID] = display
	}
	return r
}

// IsClientHalf reports whether id falls in the client-allocated range.
func IsClientHalf(id uint32) bool { return id >= 1 && id < halfBoundary }

// IsServerHalf reports whether id falls in the server-allocated range.
func IsServerHalf(id uint32) bool { return id >= halfBoundary }

// ReserveNew allocates the slot for id without binding it to an
// interface yet. It fails if id is already allocated.
func (r *Registry) ReserveNew(id uint32) error {
	if id == 0 {
		return ErrInvalidID
	}
	if _, exists := r.entries[id]; exists {
		return ErrIDCollision
	}
	r.entries[id] = nil
	return nil
}

// InsertAt binds iface to an already-reserved id.
func (r *Registry) InsertAt(id uint32, iface *catalog.Descriptor) error {
	if _, exists := r.entries[id]; !exists {
		return ErrNotReserved
	}
	r.entries[id] = iface
	return nil
}

// InsertNew allocates the next id in the half-space selected by dir and
// binds it to iface in one step.
func (r *Registry) InsertNew(dir Direction, iface *catalog.Descriptor) (uint32, error) {
	var id uint32
	if dir == ToServer {
		if r.nextClient >= halfBoundary {
			return 0, ErrIDSpaceExhausted
		}
		id = r.nextClient
		r.nextClient++
	} else {
		if r.nextServer == 0 { // wrapped past 2^32
			return 0, ErrIDSpaceExhausted
		}
		id = r.nextServer
		r.nextServer++
	}
	r.entries[id] = iface
	return id, nil
}

// Lookup returns the interface bound to id, and whether id is allocated
// at all (a reserved-but-not-yet-bound id reports ok=true, iface=nil).
func (r *Registry) Lookup(id uint32) (iface *catalog.Descriptor, ok bool) {
	iface, ok = r.entries[id]
	return
}

// Remove frees id's slot.
func (r *Registry) Remove(id uint32) {
	delete(r.entries, id)
}

// Len reports the number of allocated ids, for tests and diagnostics.
func (r *Registry) Len() int { return len(r.entries) }
