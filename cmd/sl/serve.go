package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/stageline/internal/api"
)

func newServeCmd(g *globals) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the workspace workers",
		Long: `Starts the Stageline HTTP API. Workers of workspaces with the worker
enabled start alongside it, and expired notifications are purged on the
configured schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, g *globals, port int) error {
	out := cmd.OutOrStdout()

	a, err := g.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	ws, err := a.EnsureWorkspace(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Workspace %q (%s)\n", ws.Name, ws.ID)

	if err := a.StartBackground(ctx); err != nil {
		return err
	}

	srv, err := a.Server(api.Options{Port: port, Out: out})
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
