package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/waywire/waywire/eventloop"
	"github.com/waywire/waywire/tracelog"
	"github.com/waywire/waywire/wire"
)

var runArgs commonArgs

var runCmd = &cobra.Command{
	Use:   "run -- <client> [args...]",
	Short: "Trace a single client by launching it with a traced connection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingle(args)
	},
}

func init() {
	bindCommonFlags(runCmd, &runArgs)
	runCmd.Flags().SetInterspersed(false)
}

// runSingle implements single mode (SPEC_FULL.md §6): dial the real
// compositor first, then fork/exec the traced client with one end of a
// fresh socketpair handed to it as WAYLAND_SOCKET, and relay between
// the two until either side hangs up.
func runSingle(args []string) error {
	if err := runArgs.applyConfigFile(); err != nil {
		return err
	}
	log, err := setupLogging(&runArgs)
	if err != nil {
		return err
	}
	defer log.Sync()

	out, err := tracelog.OpenOutput(runArgs.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	cat, newFrontend, err := loadFrontend(&runArgs)
	if err != nil {
		return err
	}

	compositorFd, err := wire.DialCompositor()
	if err != nil {
		return fmt.Errorf("dialing compositor: %w", err)
	}

	parentEnd, childEnd, err := wire.SocketPair()
	if err != nil {
		return fmt.Errorf("creating client socketpair: %w", err)
	}

	childFile := os.NewFile(uintptr(childEnd), "wayland-socket")
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(), "WAYLAND_SOCKET=3")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", args[0], err)
	}
	childFile.Close()

	loop, err := eventloop.New(eventloop.Config{
		Catalog:     cat,
		NewFrontend: newFrontend,
		TraceOutput: out,
		Log:         log,
	})
	if err != nil {
		return fmt.Errorf("building event loop: %w", err)
	}
	defer loop.Close()

	if err := loop.AddInstance(parentEnd, compositorFd); err != nil {
		return fmt.Errorf("registering traced connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-sigCh:
			log.Info("caught signal, shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	runErr := g.Wait()
	if runErr == context.Canceled {
		runErr = nil
	}

	waitErr := cmd.Wait()
	if runErr != nil {
		return runErr
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("waiting for %s: %w", args[0], waitErr)
	}
	return nil
}
