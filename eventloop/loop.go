// Package eventloop implements the readiness-driven dispatch spec.md §5
// and §9 describe: one epoll instance multiplexes every connection fd
// across every live instance, handing each readiness notification off
// to a bounded worker pool rather than processing it inline, so one
// slow decode never stalls the fds waiting behind it in the same
// epoll_wait batch.
package eventloop

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/waywire/waywire/catalog"
	"github.com/waywire/waywire/frontend"
	"github.com/waywire/waywire/instance"
	"github.com/waywire/waywire/runpool"
	"github.com/waywire/waywire/tracelog"
	"github.com/waywire/waywire/wire"
)

const maxEvents = 64

// Config supplies everything a Loop needs to accept or drive
// instances. Listener is nil in single-client mode: the loop then owns
// exactly one instance, added by the caller before Run, and exits once
// that instance is destroyed (spec.md §4.6: "in single-client mode, exit
// the process").
type Config struct {
	Listener    *wire.Listener
	Catalog     *catalog.Catalog
	NewFrontend func() frontend.Frontend
	TraceOutput io.Writer
	Log         *zap.SugaredLogger
}

// entry is one live instance plus the mutex that serializes its two
// sides against each other. Client-readable and compositor-readable
// events for the same instance can land in the same epoll_wait batch
// and get dispatched to the pool concurrently; entry.mu keeps only one
// of them touching the instance's registry and conns at a time.
type entry struct {
	mu   sync.Mutex
	inst *instance.Instance
}

type fdRef struct {
	e    *entry
	side instance.Side
}

// Loop owns the epoll set, the worker pool events are dispatched onto,
// and the live instance table.
type Loop struct {
	cfg    Config
	poll   *poller
	pool   *runpool.Pool
	traceW io.Writer

	mu      sync.Mutex
	byFd    map[int]fdRef
	entries map[int]*entry
	nextID  int
	everHad bool
}

// syncWriter serializes writes to one underlying writer shared across
// every instance's TraceSink — the process-wide -o/--output file or
// stdout — since Pump for different instances now runs on different
// pool workers concurrently.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// New builds a Loop and, if cfg.Listener is set, registers its fd for
// incoming connections.
func New(cfg Config) (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		cfg:     cfg,
		poll:    p,
		pool:    runpool.New("waywire-eventloop", runpool.DefaultOption()),
		byFd:    make(map[int]fdRef),
		entries: make(map[int]*entry),
	}
	if cfg.TraceOutput != nil {
		l.traceW = &syncWriter{w: cfg.TraceOutput}
	}
	if cfg.Listener != nil {
		if err := l.poll.add(cfg.Listener.Fd()); err != nil {
			p.close()
			return nil, err
		}
	}
	return l, nil
}

// AddInstance wraps an already-connected (clientFd, compositorFd) pair
// as a new instance, wires its trace sink and frontend, and registers
// both fds with the poller.
func (l *Loop) AddInstance(clientFd, compositorFd int) error {
	if err := unix.SetNonblock(clientFd, true); err != nil {
		return fmt.Errorf("eventloop: set client fd nonblocking: %w", err)
	}
	if err := unix.SetNonblock(compositorFd, true); err != nil {
		return fmt.Errorf("eventloop: set compositor fd nonblocking: %w", err)
	}

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.everHad = true
	l.mu.Unlock()

	front := frontend.Frontend(frontend.Binary{})
	if l.cfg.NewFrontend != nil {
		front = l.cfg.NewFrontend()
	}
	inst := instance.New(id, clientFd, compositorFd, l.cfg.Catalog, front)
	if l.traceW != nil {
		sink := tracelog.NewTraceSink(l.traceW, id)
		inst.OnTrace = func(side instance.Side, line string) {
			tag := "client"
			if side == instance.CompositorSide {
				tag = "compositor"
			}
			sink.Line(fmt.Sprintf("%s -> %s", tag, line))
		}
	}

	e := &entry{inst: inst}

	l.mu.Lock()
	l.entries[id] = e
	l.byFd[clientFd] = fdRef{e: e, side: instance.ClientSide}
	l.byFd[compositorFd] = fdRef{e: e, side: instance.CompositorSide}
	l.mu.Unlock()

	if err := l.poll.add(clientFd); err != nil {
		l.destroyInstance(e)
		return err
	}
	if err := l.poll.add(compositorFd); err != nil {
		l.destroyInstance(e)
		return err
	}
	return nil
}

// Run drives the epoll loop until ctx is cancelled, a fatal poll error
// occurs, or (single-client mode only) the one instance is destroyed.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := l.poll.wait(events)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if l.cfg.Listener != nil && fd == l.cfg.Listener.Fd() {
				l.handleAccept()
				continue
			}

			l.mu.Lock()
			ref, ok := l.byFd[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}

			e, side := ref.e, ref.side
			l.pool.Go(func() { l.handleReadable(e, side) })
		}

		if l.cfg.Listener == nil && l.singleInstanceGone() {
			return nil
		}
	}
}

func (l *Loop) singleInstanceGone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.everHad && len(l.entries) == 0
}

func (l *Loop) handleAccept() {
	fd, err := l.cfg.Listener.Accept()
	if err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Errorw("accept failed", "err", err)
		}
		return
	}
	compositorFd, err := wire.DialCompositor()
	if err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Errorw("compositor dial failed", "err", err)
		}
		unix.Close(fd)
		return
	}
	if err := l.AddInstance(fd, compositorFd); err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Errorw("add instance failed", "err", err)
		}
	}
}

// handleReadable drains one readable side, runs the forwarding
// discipline over whatever frames that produced, and flushes the peer.
// Any error or hangup destroys the instance outright — spec.md's
// framing and socket-rule violations are both unrecoverable per
// instance.
func (l *Loop) handleReadable(e *entry, side instance.Side) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l.mu.Lock()
	_, live := l.entries[e.inst.ID]
	l.mu.Unlock()
	if !live {
		return
	}

	conn := e.inst.Conn(side)
	hangup, err := conn.Read()
	if err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Errorw("read failed", "instance", e.inst.ID, "err", err)
		}
		l.destroyInstance(e)
		return
	}
	if hangup {
		l.destroyInstance(e)
		return
	}

	if err := e.inst.Pump(side); err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Errorw("framing violation", "instance", e.inst.ID, "err", err)
		}
		l.destroyInstance(e)
		return
	}
	if err := e.inst.Peer(side).Flush(); err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Errorw("flush failed", "instance", e.inst.ID, "err", err)
		}
		l.destroyInstance(e)
	}
}

func (l *Loop) destroyInstance(e *entry) {
	l.mu.Lock()
	if _, ok := l.entries[e.inst.ID]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.entries, e.inst.ID)
	delete(l.byFd, e.inst.Client.Fd())
	delete(l.byFd, e.inst.Compositor.Fd())
	l.mu.Unlock()

	l.poll.remove(e.inst.Client.Fd())
	l.poll.remove(e.inst.Compositor.Fd())
	e.inst.Close()
	if l.cfg.Log != nil {
		l.cfg.Log.Infow("instance destroyed", "instance", e.inst.ID)
	}
}

// Close tears down every live instance and the poller itself.
func (l *Loop) Close() error {
	l.mu.Lock()
	all := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, e)
	}
	l.mu.Unlock()

	for _, e := range all {
		l.destroyInstance(e)
	}
	if l.cfg.Listener != nil {
		l.cfg.Listener.Close()
	}
	return l.poll.close()
}
