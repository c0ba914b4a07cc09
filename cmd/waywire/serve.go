package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/waywire/waywire/eventloop"
	"github.com/waywire/waywire/tracelog"
	"github.com/waywire/waywire/wire"
)

var serveArgs commonArgs
var serveSocketName string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bind a Wayland socket and trace every client that connects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	bindCommonFlags(serveCmd, &serveArgs)
	serveCmd.Flags().StringVarP(&serveSocketName, "socket", "S", "wayland-1", "Socket name to bind under $XDG_RUNTIME_DIR")
}

// runServe implements server mode (SPEC_FULL.md §6): bind
// $XDG_RUNTIME_DIR/<name>, then accept and trace any number of
// concurrent clients, each against its own dial of the real compositor.
func runServe() error {
	if err := serveArgs.applyConfigFile(); err != nil {
		return err
	}
	log, err := setupLogging(&serveArgs)
	if err != nil {
		return err
	}
	defer log.Sync()

	out, err := tracelog.OpenOutput(serveArgs.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	cat, newFrontend, err := loadFrontend(&serveArgs)
	if err != nil {
		return err
	}

	listener, err := wire.Listen(serveSocketName)
	if err != nil {
		return fmt.Errorf("binding %s: %w", serveSocketName, err)
	}

	loop, err := eventloop.New(eventloop.Config{
		Listener:    listener,
		Catalog:     cat,
		NewFrontend: newFrontend,
		TraceOutput: out,
		Log:         log,
	})
	if err != nil {
		listener.Close()
		return fmt.Errorf("building event loop: %w", err)
	}
	defer loop.Close()

	log.Infow("listening", "socket", serveSocketName)

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

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
