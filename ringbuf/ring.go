// Package ringbuf implements the fixed-capacity, power-of-two byte queue
// that stages data between a socket and its peer, and the matching
// file-descriptor queue for ancillary data.
//
// Capacity is always a power of two so wrap-around is a mask operation.
// head and tail are monotonically increasing counters; the buffer index
// for an offset is offset & mask. The buffer grows (never shrinks) by
// reallocating a larger backing array from bufpool and copying the live
// [tail,head) window, which is the one capacity-change path it supports.
package ringbuf

import (
	"errors"
	"math/bits"

	"github.com/waywire/waywire/bufpool"
)

// ErrConsumeExceedsSize is returned by Consume when n is larger than the
// number of bytes currently buffered.
var ErrConsumeExceedsSize = errors.New("ringbuf: consume exceeds buffered size")

const defaultCap = 4 << 10 // 4KiB, matches the protocol's historical default

// Ring is a circular byte queue with pooled, growable backing storage.
type Ring struct {
	buf  []byte
	mask uint64
	head uint64
	tail uint64
}

// New returns a Ring with at least the given initial capacity, rounded
// up to the next power of two (minimum 4KiB).
func New(initialCap int) *Ring {
	c := nextPow2(initialCap)
	if c < defaultCap {
		c = defaultCap
	}
	return &Ring{
		buf:  bufpool.Malloc(c),
		mask: uint64(c - 1),
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Size returns head - tail, the number of buffered bytes.
func (r *Ring) Size() int { return int(r.head - r.tail) }

// Cap returns the current backing capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Free releases the backing storage back to bufpool. The Ring must not
// be used afterward.
func (r *Ring) Free() {
	bufpool.Free(r.buf)
	r.buf = nil
}

// CopyOut copies up to len(dst) bytes starting at tail into dst, without
// advancing tail — the ring buffer's "copy(dst, n)" operation. It
// returns the number of bytes actually copied (less than len(dst) only
// if fewer bytes are buffered).
func (r *Ring) CopyOut(dst []byte) int {
	n := len(dst)
	if avail := r.Size(); n > avail {
		n = avail
	}
	pos := int(r.tail & r.mask)
	first := len(r.buf) - pos
	if first > n {
		first = n
	}
	copy(dst[:first], r.buf[pos:pos+first])
	if n > first {
		copy(dst[first:n], r.buf[:n-first])
	}
	return n
}

// Consume advances tail by n, discarding the first n buffered bytes.
func (r *Ring) Consume(n int) error {
	if n < 0 || n > r.Size() {
		return ErrConsumeExceedsSize
	}
	r.tail += uint64(n)
	return nil
}

// Reserve ensures at least min contiguous bytes are writable starting at
// head, growing the backing array if necessary, and returns that span.
// The caller writes into the returned slice and then calls Commit with
// the number of bytes actually written.
func (r *Ring) Reserve(min int) []byte {
	for {
		free := len(r.buf) - r.Size()
		pos := int(r.head & r.mask)
		contig := len(r.buf) - pos
		if free >= min && contig >= min {
			return r.buf[pos : pos+min]
		}
		r.grow(min)
	}
}

// Commit advances head by n after the caller has written n bytes into
// the slice returned by Reserve.
func (r *Ring) Commit(n int) {
	r.head += uint64(n)
}

// Write appends p to the buffer, growing as needed. It never returns a
// short write.
func (r *Ring) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	dst := r.Reserve(len(p))
	copy(dst, p)
	r.Commit(len(p))
	return len(p), nil
}

// grow reallocates the backing array so at least `min` additional bytes
// are contiguously writable after the live window, copying the live
// [tail,head) window to the front of the new array. The capacity stays
// the same when the live window plus min already fits in it.
func (r *Ring) grow(min int) {
	size := r.Size()
	newCap := nextPow2(size + min)
	if newCap < defaultCap {
		newCap = defaultCap
	}
	if newCap < len(r.buf) {
		newCap = len(r.buf)
	}
	newBuf := bufpool.Malloc(newCap)
	r.CopyOut(newBuf[:size])
	bufpool.Free(r.buf)
	r.buf = newBuf
	r.mask = uint64(newCap - 1)
	r.tail = 0
	r.head = uint64(size)
}
