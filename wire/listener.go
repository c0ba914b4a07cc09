package wire

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Listener is server mode's bound, listening Unix-domain socket plus
// the sibling advisory lockfile held for its lifetime.
type Listener struct {
	fd       int
	lockFd   int
	path     string
	lockPath string
}

// Listen binds $XDG_RUNTIME_DIR/name, first taking the sibling
// "<name>.lock" advisory lock non-blocking (spec.md §6). A stale
// socket path left over from a prior run is unlinked before bind, but
// only when writable by its owner or group — see unlinkStale.
func Listen(name string) (*Listener, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return nil, fmt.Errorf("wire: XDG_RUNTIME_DIR not set")
	}
	path := filepath.Join(dir, name)
	lockPath := path + ".lock"

	lockFd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_CLOEXEC|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wire: open lockfile %s: %w", lockPath, err)
	}
	if err := unix.Flock(lockFd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(lockFd)
		return nil, fmt.Errorf("wire: lockfile %s held by another process: %w", lockPath, err)
	}

	if err := unlinkStale(path); err != nil {
		unix.Close(lockFd)
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		unix.Close(lockFd)
		return nil, fmt.Errorf("wire: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		unix.Close(lockFd)
		return nil, fmt.Errorf("wire: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		unix.Close(lockFd)
		return nil, fmt.Errorf("wire: listen %s: %w", path, err)
	}
	return &Listener{fd: fd, lockFd: lockFd, path: path, lockPath: lockPath}, nil
}

// unlinkStale removes a leftover socket file at path before bind, but
// only when it is writable by owner or group. Whether this guard is
// intentional permissiveness or a latent bug in the protocol this
// system traces is unclear; the behavior is preserved verbatim rather
// than tightened or guessed at.
func unlinkStale(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wire: stat %s: %w", path, err)
	}
	if info.Mode()&(0o200|0o020) == 0 {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("wire: unlink stale socket %s: %w", path, err)
	}
	return nil
}

func (l *Listener) Fd() int { return l.fd }

// Accept accepts one pending connection, returning a close-on-exec fd.
func (l *Listener) Accept() (int, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("wire: accept: %w", err)
	}
	return fd, nil
}

// Close releases the listening socket and the lockfile, and removes
// both paths from the filesystem.
func (l *Listener) Close() error {
	unix.Close(l.fd)
	unix.Close(l.lockFd)
	_ = os.Remove(l.path)
	_ = os.Remove(l.lockPath)
	return nil
}
