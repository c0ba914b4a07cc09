// Package catalog holds the process-wide, immutable set of interface
// descriptors loaded at startup: names, method/event signature tables,
// and the well-known "display" interface used to bootstrap a registry.
package catalog

import (
	"errors"
	"fmt"

	"github.com/waywire/waywire/container/strmap"
)

// Message describes one method (request) or event signature.
type Message struct {
	// Name is the method or event name, e.g. "destroy" or "bind".
	Name string
	// Signature is the wire signature string over the alphabet
	// {u, i, f, s, o, n, a, h, N}.
	Signature string
	// Types resolves the interface for each statically-typed 'n' (new_id)
	// slot in Signature, in left-to-right order of appearance; a nil
	// entry means that slot is untyped. Dynamic 'N' (bind) slots resolve
	// their interface from the wire at decode time and have no entry
	// here.
	Types []*Descriptor
}

// Descriptor is one interface: a name plus its ordered method and event
// tables. Immutable once the owning Catalog is finalized.
type Descriptor struct {
	Name    string
	Methods []Message // client -> server
	Events  []Message // server -> client
}

// MethodByOpcode returns the method at the given opcode, or false if out
// of range.
func (d *Descriptor) MethodByOpcode(opcode uint16) (Message, bool) {
	if int(opcode) >= len(d.Methods) {
		return Message{}, false
	}
	return d.Methods[opcode], true
}

// EventByOpcode returns the event at the given opcode, or false if out
// of range.
func (d *Descriptor) EventByOpcode(opcode uint16) (Message, bool) {
	if int(opcode) >= len(d.Events) {
		return Message{}, false
	}
	return d.Events[opcode], true
}

var (
	// ErrFinalized is returned by Add/SetDisplay once the catalog is finalized.
	ErrFinalized = errors.New("catalog: already finalized")
	// ErrDuplicateName is returned by Add for a name already present.
	ErrDuplicateName = errors.New("catalog: duplicate interface name")
	// ErrNoSuchInterface is returned by SetDisplay for an unknown name.
	ErrNoSuchInterface = errors.New("catalog: no such interface")
)

// Catalog is the immutable, process-wide set of interface descriptors.
// Built once via Add/SetDisplay and then Finalize; read-only and safe
// for concurrent use by every instance afterward.
type Catalog struct {
	descriptors []*Descriptor
	// nameIndex maps interface name -> index into descriptors. It is a
	// GC-friendly readonly string map (pointer-free values) so the
	// lookup used by the typed-new_id ("N") decode path never makes the
	// GC scan a hashtable of pointers.
	nameIndex *strmap.StrMap[int]
	display   *Descriptor
	finalized bool
}

// New returns an empty, unfinalized Catalog.
func New() *Catalog {
	return &Catalog{}
}

// Add registers a descriptor. It must be called before Finalize.
func (c *Catalog) Add(d *Descriptor) error {
	if c.finalized {
		return ErrFinalized
	}
	for _, existing := range c.descriptors {
		if existing.Name == d.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
		}
	}
	c.descriptors = append(c.descriptors, d)
	return nil
}

// SetDisplay designates the descriptor named name as the catalog's
// display interface. Must be called before Finalize.
func (c *Catalog) SetDisplay(name string) error {
	if c.finalized {
		return ErrFinalized
	}
	for _, d := range c.descriptors {
		if d.Name == name {
			c.display = d
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoSuchInterface, name)
}

// Finalize builds the name index and locks the catalog against further
// mutation. Safe to call once; calling Add or SetDisplay afterward
// returns ErrFinalized.
func (c *Catalog) Finalize() error {
	if c.finalized {
		return nil
	}
	names := make([]string, len(c.descriptors))
	idx := make([]int, len(c.descriptors))
	for i, d := range c.descriptors {
		names[i] = d.Name
		idx[i] = i
	}
	c.nameIndex = strmap.NewFromSlice(names, idx)
	c.finalized = true
	return nil
}

// Lookup resolves an interface by name, e.g. for the typed-at-runtime
// "N" bind form. Safe for concurrent use after Finalize.
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	if c.nameIndex == nil {
		return nil, false
	}
	i, ok := c.nameIndex.Get(name)
	if !ok {
		return nil, false
	}
	return c.descriptors[i], true
}

// Display returns the designated display interface, or nil if none was set.
func (c *Catalog) Display() *Descriptor { return c.display }

// Len reports the number of interfaces in the catalog.
func (c *Catalog) Len() int { return len(c.descriptors) }
