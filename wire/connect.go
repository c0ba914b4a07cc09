package wire

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// defaultDisplayName is used when $WAYLAND_DISPLAY is unset.
const defaultDisplayName = "wayland-0"

// DialCompositor opens the compositor-side connection per the
// environment rules of spec.md §6: if $WAYLAND_SOCKET names an
// already-open inherited fd, that fd is consumed and the variable is
// cleared from the environment; otherwise connect to
// $XDG_RUNTIME_DIR/$WAYLAND_DISPLAY.
func DialCompositor() (int, error) {
	if s, ok := os.LookupEnv("WAYLAND_SOCKET"); ok {
		os.Unsetenv("WAYLAND_SOCKET")
		fd, err := strconv.Atoi(s)
		if err != nil {
			return -1, fmt.Errorf("wire: WAYLAND_SOCKET=%q is not a file descriptor: %w", s, err)
		}
		unix.CloseOnExec(fd)
		return fd, nil
	}

	path, err := socketPath()
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("wire: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("wire: connect %s: %w", path, err)
	}
	return fd, nil
}

func socketPath() (string, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", fmt.Errorf("wire: XDG_RUNTIME_DIR not set")
	}
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = defaultDisplayName
	}
	return filepath.Join(dir, name), nil
}

// SocketPair creates a connected pair of stream sockets suitable for
// single-client mode: one end is handed to the traced child as its
// inherited WAYLAND_SOCKET, the other is kept as this process's
// client-side Conn fd.
func SocketPair() (a, b int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("wire: socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}
