package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/waywire/waywire/ringbuf"
)

// ErrShortFrame marks a frame whose declared size is below the 8-byte
// header — a protocol violation, fatal to the owning instance.
var ErrShortFrame = errors.New("wire: frame size below 8-byte header")

// headerSize is the fixed object_id + (size<<16|opcode) prefix every
// message carries.
const headerSize = 8

// Frame is one framed message: the decoded header fields plus the
// payload slice (header stripped). Payload aliases neither the ring's
// backing array nor any buffer the caller must keep alive past the
// call that produced it — NextFrame always copies.
type Frame struct {
	ObjectID uint32
	Opcode   uint16
	Size     int // total byte length including the 8-byte header
	Payload  []byte
}

// NextFrame peeks r's data-in for one complete message without
// consuming anything. ok is false when fewer than 8 bytes, or fewer
// than the declared total size, are currently buffered ("need more").
// A declared size < 8 is reported as ErrShortFrame regardless of how
// much is buffered, since the violation is visible from the header
// alone. The caller is responsible for calling r.Consume(frame.Size)
// once the frame has been forwarded.
func NextFrame(r *ringbuf.Ring) (frame Frame, ok bool, err error) {
	if r.Size() < headerSize {
		return Frame{}, false, nil
	}
	var hdr [headerSize]byte
	r.CopyOut(hdr[:])
	objectID := binary.LittleEndian.Uint32(hdr[0:4])
	sizeOpcode := binary.LittleEndian.Uint32(hdr[4:8])
	size := int(sizeOpcode >> 16)
	opcode := uint16(sizeOpcode & 0xffff)

	if size < headerSize {
		return Frame{}, false, fmt.Errorf("%w: object %d opcode %d declares size %d",
			ErrShortFrame, objectID, opcode, size)
	}
	if r.Size() < size {
		return Frame{}, false, nil
	}

	buf := make([]byte, size)
	r.CopyOut(buf)
	return Frame{ObjectID: objectID, Opcode: opcode, Size: size, Payload: buf[headerSize:]}, true, nil
}

// PutHeader encodes a message header (without payload) into dst, which
// must be at least headerSize long — used by anything that constructs
// frames rather than only relaying them (e.g. tests).
func PutHeader(dst []byte, objectID uint32, opcode uint16, size int) {
	binary.LittleEndian.PutUint32(dst[0:4], objectID)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(opcode)|uint32(size)<<16)
}
