package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/waywire/waywire/catalog"
	"github.com/waywire/waywire/frontend"
	"github.com/waywire/waywire/wire"
)

func newFrontend() frontend.Frontend { return frontend.Binary{} }

func TestLoop_ForwardsFrameAcrossInstance(t *testing.T) {
	clientA, clientB, err := wire.SocketPair()
	require.NoError(t, err)
	compA, compB, err := wire.SocketPair()
	require.NoError(t, err)
	defer unix.Close(clientB)
	defer unix.Close(compB)
	require.NoError(t, unix.SetNonblock(compB, true))

	l, err := New(Config{NewFrontend: newFrontend})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AddInstance(clientA, compA))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	frame := make([]byte, 8)
	wire.PutHeader(frame, 1, 0, 8)
	_, err = unix.Write(clientB, frame)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, _, err := recvWithTimeout(t, compB, buf)
	require.NoError(t, err)
	require.Equal(t, frame, buf[:n])

	cancel()
	<-done
}

func recvWithTimeout(t *testing.T, fd int, buf []byte) (int, bool, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return n, false, err
	}
	t.Fatal("timed out waiting for data")
	return 0, false, nil
}

// server-mode many-clients: two instances added directly (bypassing
// Listener.Accept, which needs a real listening socket) stay fully
// independent — a destroy on one instance's registry never touches
// the other's.
func TestLoop_TwoInstancesAreIndependent(t *testing.T) {
	surface := &catalog.Descriptor{
		Name:    "wl_surface",
		Methods: []catalog.Message{{Name: "destroy", Signature: ""}},
	}
	cat := catalog.New()
	require.NoError(t, cat.Add(surface))
	require.NoError(t, cat.Finalize())

	l, err := New(Config{
		Catalog:     cat,
		NewFrontend: func() frontend.Frontend { return frontend.Analyze{Catalog: cat} },
	})
	require.NoError(t, err)
	defer l.Close()

	clientA1, clientB1, err := wire.SocketPair()
	require.NoError(t, err)
	compA1, compB1, err := wire.SocketPair()
	require.NoError(t, err)
	defer unix.Close(clientB1)
	defer unix.Close(compB1)
	require.NoError(t, unix.SetNonblock(compB1, true))
	require.NoError(t, l.AddInstance(clientA1, compA1))

	clientA2, clientB2, err := wire.SocketPair()
	require.NoError(t, err)
	compA2, compB2, err := wire.SocketPair()
	require.NoError(t, err)
	defer unix.Close(clientB2)
	defer unix.Close(compB2)
	require.NoError(t, unix.SetNonblock(compB2, true))
	require.NoError(t, l.AddInstance(clientA2, compA2))

	l.mu.Lock()
	inst1 := l.entries[0].inst
	inst2 := l.entries[1].inst
	l.mu.Unlock()
	require.NoError(t, inst1.Registry.ReserveNew(7))
	require.NoError(t, inst1.Registry.InsertAt(7, surface))
	require.NoError(t, inst2.Registry.ReserveNew(7))
	require.NoError(t, inst2.Registry.InsertAt(7, surface))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	frame := make([]byte, 8)
	wire.PutHeader(frame, 7, 0, 8)
	_, err = unix.Write(clientB1, frame)
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, _, err = recvWithTimeout(t, compB1, buf)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := inst1.Registry.Lookup(7); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok := inst1.Registry.Lookup(7)
	require.False(t, ok, "instance 1's id 7 should have been removed by destroy")

	_, ok = inst2.Registry.Lookup(7)
	require.True(t, ok, "instance 2's id 7 must be untouched by instance 1's destroy")

	cancel()
	<-done
}

func TestLoop_SingleClientExitsOnHangup(t *testing.T) {
	clientA, clientB, err := wire.SocketPair()
	require.NoError(t, err)
	compA, compB, err := wire.SocketPair()
	require.NoError(t, err)
	defer unix.Close(compB)

	l, err := New(Config{NewFrontend: newFrontend})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AddInstance(clientA, compA))
	require.NoError(t, unix.Close(clientB))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = l.Run(ctx)
	require.NoError(t, err)
}
