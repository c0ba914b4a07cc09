package eventloop

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPoller_AddWaitRemove(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.add(fds[0]))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events := make([]unix.EpollEvent, 8)
	n, err := p.wait(events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(fds[0]), events[0].Fd)

	require.NoError(t, p.remove(fds[0]))
}

func TestPoller_HangupReported(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, p.add(fds[0]))
	require.NoError(t, unix.Close(fds[1]))

	events := make([]unix.EpollEvent, 8)
	n, err := p.wait(events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotZero(t, events[0].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLIN))
}
