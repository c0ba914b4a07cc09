// Package decode implements the signature walker: given a message's
// wire signature and payload, it renders a human-readable argument
// list while mutating the instance registry for new_id arguments and
// moving fds from the source connection's fds-in to the peer's
// fds-out, exactly as spec'd for the 'n', 'N', and 'h' alphabet
// characters.
package decode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/waywire/waywire/catalog"
	"github.com/waywire/waywire/registry"
	"github.com/waywire/waywire/ringbuf"
	"github.com/waywire/waywire/unsafex"
)

// ErrCursorMismatch is returned when a signature's word cursor does not
// land exactly on the end of the payload — the walk either needs more
// words than the payload holds or ends before the payload does — a
// detectable bug in either the catalog or the framer, per the
// "signature alignment" testable property.
var ErrCursorMismatch = fmt.Errorf("decode: signature cursor does not match payload length")

// Walk renders msg's arguments from payload, side-effecting reg for
// 'n'/'N' new_id slots and moving fds from srcFDsIn to peerFDsOut for
// 'h' slots. cat resolves the dynamic bind ('N') type name; it may be
// nil, in which case dynamic binds always resolve to an untyped id.
func Walk(
	payload []byte,
	msg catalog.Message,
	dir registry.Direction,
	reg *registry.Registry,
	cat *catalog.Catalog,
	srcFDsIn, peerFDsOut *ringbuf.FDRing,
) (string, error) {
	var b strings.Builder
	word := 0
	nIdx := 0
	first := true

	writeArg := func(s string) {
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(s)
		first = false
	}

	readWord := func() (uint32, error) {
		off := word * 4
		if off+4 > len(payload) {
			return 0, fmt.Errorf("%w: signature %q for %q overruns payload", ErrCursorMismatch, msg.Signature, msg.Name)
		}
		v := binary.LittleEndian.Uint32(payload[off : off+4])
		word++
		return v, nil
	}

	// readBlob reads a length-prefixed, nul-padded-to-4 blob (used by
	// both 's' and the string half of 'N'), returning its bytes
	// excluding the NUL terminator and its declared length.
	readBlob := func() ([]byte, uint32, error) {
		l, err := readWord()
		if err != nil {
			return nil, 0, err
		}
		if l == 0 {
			return nil, 0, nil
		}
		nwords := int((l + 3) / 4)
		off := word * 4
		if off+nwords*4 > len(payload) {
			return nil, 0, fmt.Errorf("%w: signature %q for %q overruns payload", ErrCursorMismatch, msg.Signature, msg.Name)
		}
		data := payload[off : off+int(l)-1] // drop NUL terminator
		word += nwords
		return data, l, nil
	}

	for _, ch := range msg.Signature {
		switch ch {
		case 'u':
			v, err := readWord()
			if err != nil {
				return "", err
			}
			writeArg(fmt.Sprintf("%d", v))

		case 'i':
			v, err := readWord()
			if err != nil {
				return "", err
			}
			writeArg(fmt.Sprintf("%d", int32(v)))

		case 'f':
			v, err := readWord()
			if err != nil {
				return "", err
			}
			writeArg(fmt.Sprintf("%g", float64(int32(v))/256.0))

		case 's':
			data, l, err := readBlob()
			if err != nil {
				return "", err
			}
			if l == 0 {
				writeArg("nil")
				continue
			}
			writeArg(fmt.Sprintf("%q", unsafex.BinaryToString(data)))

		case 'o':
			v, err := readWord()
			if err != nil {
				return "", err
			}
			writeArg(fmt.Sprintf("obj %d", v))

		case 'n':
			v, err := readWord()
			if err != nil {
				return "", err
			}
			if v == 0 {
				writeArg("new_id nil")
				nIdx++
				continue
			}
			var iface *catalog.Descriptor
			if nIdx < len(msg.Types) {
				iface = msg.Types[nIdx]
			}
			nIdx++
			bindNewID(reg, dir, v, iface)
			writeArg(fmt.Sprintf("new_id %d[%s]", v, ifaceName(iface)))

		case 'a':
			l, err := readWord()
			if err != nil {
				return "", err
			}
			nwords := int((l + 3) / 4)
			if word+nwords > len(payload)/4 {
				return "", fmt.Errorf("%w: signature %q for %q overruns payload", ErrCursorMismatch, msg.Signature, msg.Name)
			}
			word += nwords
			writeArg(fmt.Sprintf("array[%d]", l))

		case 'h':
			fd, ok := srcFDsIn.Dequeue()
			if !ok {
				writeArg("fd ?")
				continue
			}
			peerFDsOut.Enqueue(fd)
			writeArg(fmt.Sprintf("fd %d", fd))

		case 'N':
			typeName, _, err := readBlob()
			if err != nil {
				return "", err
			}
			name, err := readWord()
			if err != nil {
				return "", err
			}
			id, err := readWord()
			if err != nil {
				return "", err
			}
			var iface *catalog.Descriptor
			if cat != nil && len(typeName) > 0 {
				iface, _ = cat.Lookup(unsafex.BinaryToString(typeName))
			}
			if id != 0 {
				bindNewID(reg, dir, id, iface)
			}
			writeArg(fmt.Sprintf("new_id %d[%s,%d]", id, ifaceName(iface), name))

		default:
			return "", fmt.Errorf("decode: unknown signature character %q in %q", ch, msg.Signature)
		}
	}

	if word*4 != len(payload) {
		return "", fmt.Errorf("%w: signature %q for %q consumed %d words, payload has %d",
			ErrCursorMismatch, msg.Signature, msg.Name, word, len(payload)/4)
	}
	return b.String(), nil
}

// bindNewID reserves id in reg and binds it to iface. It silently
// leaves the slot unbound if id is already allocated, or if id falls
// outside the half-space dir is allowed to allocate from (spec.md §4.3:
// "the half-space of allocation is determined by the direction of the
// message introducing the new id") — either is a protocol violation in
// the peer, not something the decoder can safely treat as fatal
// mid-walk.
func bindNewID(reg *registry.Registry, dir registry.Direction, id uint32, iface *catalog.Descriptor) {
	wantClientHalf := dir == registry.ToServer
	if wantClientHalf != registry.IsClientHalf(id) {
		return
	}
	if err := reg.ReserveNew(id); err != nil {
		return
	}
	_ = reg.InsertAt(id, iface)
}

func ifaceName(d *catalog.Descriptor) string {
	if d == nil {
		return "?"
	}
	return d.Name
}

// IsDestroy reports whether msg is the well-known destroy method, after
// which the registry removes the target id (spec: "After the walk, if
// the decoded message is the well-known destroy method on the target
// interface, the registry removes the object id after forwarding").
func IsDestroy(msg catalog.Message) bool {
	return msg.Name == "destroy"
}
