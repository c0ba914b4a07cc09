// Package wire implements one end of a duplex Wayland socket: the four
// ring buffers spec'd as the "Wire connection" entity, the scatter-read
// that drains the socket (collecting SCM_RIGHTS fds along the way), and
// the gather-write that flushes queued bytes and fds back out.
package wire

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/waywire/waywire/ringbuf"
)

// readChunkSize is how much contiguous free space each recvmsg call is
// offered, so data-in holds at least this much after the first Read.
// It is not a cap on message size: the bytes of a larger frame pile up
// across reads, ringbuf.Ring's Reserve growing the ring as needed,
// until NextFrame sees the whole frame.
const readChunkSize = 16 << 10

// maxFDsPerMsg bounds the ancillary-data room reserved per recvmsg/
// sendmsg call. A single message practically never carries more than a
// handful of fds; this just avoids an unbounded oob allocation.
const maxFDsPerMsg = 28

// Conn is one socket endpoint: an fd plus its four staging ring
// buffers. It never references its peer — forwarding, not the
// connection itself, is what couples two Conns (see package instance).
type Conn struct {
	fd int

	DataIn  *ringbuf.Ring
	DataOut *ringbuf.Ring
	FDsIn   ringbuf.FDRing
	FDsOut  ringbuf.FDRing
}

// NewConn wraps an already-connected, close-on-exec socket fd.
func NewConn(fd int) *Conn {
	return &Conn{
		fd:      fd,
		DataIn:  ringbuf.New(0),
		DataOut: ringbuf.New(0),
	}
}

func (c *Conn) Fd() int { return c.fd }

// Close releases the socket and any fds still queued but never
// flushed to the peer — an instance destroyed mid-flight must not leak
// them.
func (c *Conn) Close() error {
	c.FDsIn.CloseAll()
	c.FDsOut.CloseAll()
	c.DataIn.Free()
	c.DataOut.Free()
	return unix.Close(c.fd)
}

// Read drains the socket into DataIn, looping across recvmsg calls
// until the kernel reports no more data is ready (EAGAIN) — the
// expansion's drain-in-a-loop substitute for enlarging the 4KiB ring
// constant. It reports hangup when the peer has closed (a zero-length
// read), per spec: "read returning 0 is a hang-up".
func (c *Conn) Read() (hangup bool, err error) {
	oob := make([]byte, unix.CmsgSpace(maxFDsPerMsg*4))
	for {
		chunk := c.DataIn.Reserve(readChunkSize)
		n, oobn, _, _, recvErr := unix.Recvmsg(c.fd, chunk, oob, 0)
		if recvErr != nil {
			switch recvErr {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				return false, nil
			default:
				return false, fmt.Errorf("wire: recvmsg: %w", recvErr)
			}
		}
		if n == 0 && oobn == 0 {
			return true, nil
		}
		c.DataIn.Commit(n)
		if oobn > 0 {
			if err := c.collectRights(oob[:oobn]); err != nil {
				return false, err
			}
		}
		if n < len(chunk) {
			// Short of what we offered: the socket is almost certainly
			// drained for now, but loop once more so the next recvmsg's
			// EAGAIN is what actually ends the drain — a short read is
			// not guaranteed to mean "nothing left" for a stream socket.
			continue
		}
	}
}

// collectRights parses SCM_RIGHTS control messages out of oob and
// appends the received fds to FDsIn, forcing close-on-exec on each as
// it arrives (spec: "Received fds must be forced close-on-exec upon
// arrival").
func (c *Conn) collectRights(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("wire: parse control message: %w", err)
	}
	for _, scm := range scms {
		rights, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range rights {
			unix.CloseOnExec(fd)
			c.FDsIn.Enqueue(fd)
		}
	}
	return nil
}

// Write queues p onto data-out; it never short-writes since DataOut
// grows to fit.
func (c *Conn) Write(p []byte) (int, error) {
	return c.DataOut.Write(p)
}

// PutFD queues fd onto fds-out, to be attached to the next Flush call
// that still has data queued for it.
func (c *Conn) PutFD(fd int) {
	c.FDsOut.Enqueue(fd)
}

// Flush gather-writes data-out, attaching as many queued fds as one
// sendmsg can carry to the first call that still has bytes pending —
// fds never get ahead of the data they escort. A short write or a
// kernel send buffer that is momentarily full (EAGAIN) leaves the
// residue queued for the next writable-readiness notification. Once
// sendmsg has handed an fd to the peer, this Conn's own copy is closed
// — the kernel dup'd it into the peer's table, so keeping it open here
// would leak a descriptor per forwarded frame.
func (c *Conn) Flush() error {
	for {
		size := c.DataOut.Size()
		if size == 0 {
			return nil
		}
		buf := make([]byte, size)
		c.DataOut.CopyOut(buf)

		fds := c.FDsOut.PeekN(maxFDsPerMsg)
		var oob []byte
		if len(fds) > 0 {
			oob = unix.UnixRights(fds...)
		}

		n, err := unix.SendmsgN(c.fd, buf, oob, nil, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return nil
			}
			return fmt.Errorf("wire: sendmsg: %w", err)
		}
		if n > 0 {
			if err := c.DataOut.Consume(n); err != nil {
				return err
			}
		}
		for range fds {
			if fd, ok := c.FDsOut.Dequeue(); ok {
				unix.Close(fd)
			}
		}
		if n < size {
			return nil
		}
	}
}
