package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// watchEvents is the event mask registered for every watched fd:
// readable, and the two flavors of peer-closed notification a stream
// socket can deliver.
const watchEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP

// poller wraps Linux epoll as a minimal wait/control/close surface,
// grounded on the teacher's connstate poller shape but reimplemented
// directly against golang.org/x/sys/unix — no cgo.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &poller{epfd: fd}, nil
}

// add registers fd for level-triggered readable/hangup notifications.
func (p *poller) add(fd int) error {
	ev := unix.EpollEvent{Events: uint32(watchEvents), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// remove deregisters fd. It is not an error to remove an fd that was
// never added or has already been closed (EBADF/ENOENT are ignored) —
// instance teardown may race the fd's own closure.
func (p *poller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// waitTimeoutMs bounds each epoll_wait so the caller regains control
// (to check for cancellation or a finished instance) even when no fd
// becomes ready.
const waitTimeoutMs = 100

// wait blocks until at least one registered fd is ready or
// waitTimeoutMs elapses, retrying on EINTR, and returns the number of
// events filled into events (0 on timeout).
func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, waitTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("eventloop: epoll_wait: %w", err)
		}
		return n, nil
	}
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
