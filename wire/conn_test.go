package wire

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b, err := SocketPair()
	require.NoError(t, err)
	ca := NewConn(a)
	cb := NewConn(b)
	require.NoError(t, unix.SetNonblock(a, true))
	require.NoError(t, unix.SetNonblock(b, true))
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func drain(t *testing.T, c *Conn) {
	t.Helper()
	hangup, err := c.Read()
	require.NoError(t, err)
	require.False(t, hangup)
}

func TestConn_WriteFlushRead(t *testing.T) {
	a, b := connPair(t)

	_, err := a.Write([]byte("hello wire"))
	require.NoError(t, err)
	require.NoError(t, a.Flush())

	drain(t, b)
	require.Equal(t, 10, b.DataIn.Size())
	out := make([]byte, 10)
	b.DataIn.CopyOut(out)
	require.Equal(t, "hello wire", string(out))
}

func TestConn_FDTransfer(t *testing.T) {
	a, b := connPair(t)

	f, err := os.CreateTemp(t.TempDir(), "wire-fd-*")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("payload")
	require.NoError(t, err)

	_, err = a.Write([]byte("x"))
	require.NoError(t, err)
	// Flush closes each queued fd once sent, so queue a duplicate and
	// keep f's own fd open.
	dup, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	a.PutFD(dup)
	require.NoError(t, a.Flush())

	drain(t, b)
	require.Equal(t, 1, b.FDsIn.Len())
	fd, ok := b.FDsIn.Dequeue()
	require.True(t, ok)
	require.NotEqual(t, int(f.Fd()), fd) // distinct fd, same kernel file

	got := os.NewFile(uintptr(fd), "received")
	defer got.Close()
	buf := make([]byte, 7)
	n, err := got.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestConn_Hangup(t *testing.T) {
	a, b := connPair(t)
	require.NoError(t, a.Close())

	hangup, err := b.Read()
	require.NoError(t, err)
	require.True(t, hangup)
}

func TestConn_PartialWritesAccumulateInRing(t *testing.T) {
	a, b := connPair(t)

	_, err := a.Write([]byte("one"))
	require.NoError(t, err)
	_, err = a.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, a.Flush())

	drain(t, b)
	out := make([]byte, 6)
	b.DataIn.CopyOut(out)
	require.Equal(t, "onetwo", string(out))
}
