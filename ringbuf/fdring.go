package ringbuf

import "golang.org/x/sys/unix"

// FDRing is a FIFO queue of file descriptors, the ancillary-data
// counterpart of Ring. Unlike Ring it is not power-of-two sized: fd
// queues stay small (a handful of descriptors at most), so a plain
// growable slice is the idiomatic fit rather than pooled fixed blocks.
type FDRing struct {
	fds []int
}

// Enqueue appends fd to the tail of the queue.
func (r *FDRing) Enqueue(fd int) {
	r.fds = append(r.fds, fd)
}

// Dequeue removes and returns the fd at the head of the queue.
func (r *FDRing) Dequeue() (int, bool) {
	if len(r.fds) == 0 {
		return 0, false
	}
	fd := r.fds[0]
	copy(r.fds, r.fds[1:])
	r.fds = r.fds[:len(r.fds)-1]
	return fd, true
}

// Len reports the number of queued fds.
func (r *FDRing) Len() int { return len(r.fds) }

// PeekN returns, without removing them, up to n fds from the head of
// the queue — used by a gather-write that must know which fds it is
// about to attach before committing to dequeuing them.
func (r *FDRing) PeekN(n int) []int {
	if n > len(r.fds) {
		n = len(r.fds)
	}
	out := make([]int, n)
	copy(out, r.fds[:n])
	return out
}

// CloseAll closes every queued fd and empties the queue. Used when an
// instance is destroyed with unwritten fds still queued.
func (r *FDRing) CloseAll() {
	for _, fd := range r.fds {
		_ = unix.Close(fd)
	}
	r.fds = r.fds[:0]
}
