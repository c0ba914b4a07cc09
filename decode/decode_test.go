package decode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waywire/waywire/catalog"
	"github.com/waywire/waywire/registry"
	"github.com/waywire/waywire/ringbuf"
)

func words(vv ...uint32) []byte {
	b := make([]byte, 4*len(vv))
	for i, v := range vv {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

func padString(s string) []byte {
	raw := append([]byte(s), 0)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	b := words(uint32(len(s) + 1))
	return append(b, raw...)
}

// scenario 1: get-registry — n, payload [2]
func TestWalk_GetRegistry(t *testing.T) {
	registryIface := &catalog.Descriptor{Name: "wl_registry"}
	msg := catalog.Message{Name: "get_registry", Signature: "n", Types: []*catalog.Descriptor{registryIface}}

	reg := registry.New(&catalog.Descriptor{Name: "wl_display"})
	var in, out ringbuf.FDRing

	line, err := Walk(words(2), msg, registry.ToServer, reg, nil, &in, &out)
	require.NoError(t, err)
	require.Contains(t, line, "new_id 2")

	iface, ok := reg.Lookup(2)
	require.True(t, ok)
	require.Same(t, registryIface, iface)

	_, ok = reg.Lookup(registry.DisplayID)
	require.True(t, ok)
}

// scenario 2: bind with dynamic type
func TestWalk_BindDynamicType(t *testing.T) {
	cat := catalog.New()
	compositor := &catalog.Descriptor{Name: "wl_compositor"}
	require.NoError(t, cat.Add(compositor))
	require.NoError(t, cat.Finalize())

	msg := catalog.Message{Name: "bind", Signature: "N"}
	reg := registry.New(nil)
	var in, out ringbuf.FDRing

	payload := append(padString("wl_compositor"), words(3, 5)...)
	line, err := Walk(payload, msg, registry.ToServer, reg, cat, &in, &out)
	require.NoError(t, err)
	require.Equal(t, "new_id 5[wl_compositor,3]", line)

	iface, ok := reg.Lookup(5)
	require.True(t, ok)
	require.Same(t, compositor, iface)
}

// scenario 3: fd transfer
func TestWalk_FDTransfer(t *testing.T) {
	msg := catalog.Message{Name: "some_event", Signature: "h"}
	reg := registry.New(nil)
	var in, out ringbuf.FDRing
	in.Enqueue(42)

	line, err := Walk(nil, msg, registry.ToClient, reg, nil, &in, &out)
	require.NoError(t, err)
	require.Equal(t, "fd 42", line)

	require.Equal(t, 0, in.Len())
	require.Equal(t, 1, out.Len())
	fd, ok := out.Dequeue()
	require.True(t, ok)
	require.Equal(t, 42, fd)
}

func TestWalk_UintIntFixed(t *testing.T) {
	msg := catalog.Message{Name: "m", Signature: "uif"}
	reg := registry.New(nil)
	var in, out ringbuf.FDRing

	payload := words(7, uint32(int32(-3)), uint32(int32(256*2+64))) // f = 2.25
	line, err := Walk(payload, msg, registry.ToServer, reg, nil, &in, &out)
	require.NoError(t, err)
	require.Equal(t, "7, -3, 2.25", line)
}

func TestWalk_StringAndArray(t *testing.T) {
	msg := catalog.Message{Name: "m", Signature: "sa"}
	reg := registry.New(nil)
	var in, out ringbuf.FDRing

	payload := append(padString("hi"), words(16, 0xAA, 0xBB, 0xCC, 0xDD)...)
	line, err := Walk(payload, msg, registry.ToServer, reg, nil, &in, &out)
	require.NoError(t, err)
	require.Equal(t, `"hi", array[16]`, line)
}

func TestWalk_NullString(t *testing.T) {
	msg := catalog.Message{Name: "m", Signature: "s"}
	reg := registry.New(nil)
	var in, out ringbuf.FDRing

	line, err := Walk(words(0), msg, registry.ToServer, reg, nil, &in, &out)
	require.NoError(t, err)
	require.Equal(t, "nil", line)
}

func TestWalk_CursorMismatch(t *testing.T) {
	msg := catalog.Message{Name: "m", Signature: "uu"}
	reg := registry.New(nil)
	var in, out ringbuf.FDRing

	_, err := Walk(words(1), msg, registry.ToServer, reg, nil, &in, &out)
	require.ErrorIs(t, err, ErrCursorMismatch)
}

func TestIsDestroy(t *testing.T) {
	require.True(t, IsDestroy(catalog.Message{Name: "destroy"}))
	require.False(t, IsDestroy(catalog.Message{Name: "sync"}))
}

// half-space discipline: a new_id introduced by a client->server message
// but numbered in the server half-space is a peer protocol violation;
// the decoder leaves it unbound rather than trusting it.
func TestWalk_NewIDWrongHalfSpaceIsNotBound(t *testing.T) {
	registryIface := &catalog.Descriptor{Name: "wl_registry"}
	msg := catalog.Message{Name: "get_registry", Signature: "n", Types: []*catalog.Descriptor{registryIface}}
	reg := registry.New(nil)
	var in, out ringbuf.FDRing

	line, err := Walk(words(0xFF000001), msg, registry.ToServer, reg, nil, &in, &out)
	require.NoError(t, err)
	require.Contains(t, line, "new_id 4278190081")

	_, ok := reg.Lookup(0xFF000001)
	require.False(t, ok)
}
