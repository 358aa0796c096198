package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/zulandar/stageline/internal/config"
)

func newWorkerCmd(g *globals) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker without the HTTP API",
		Long: `Runs the job worker of the configured workspace until interrupted.
Only one worker process may run per lock directory. With --once, claims
and executes one batch of pending jobs and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, g, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process one batch of pending jobs and exit")
	return cmd
}

func runWorker(cmd *cobra.Command, g *globals, once bool) error {
	out := cmd.OutOrStdout()

	a, err := g.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	lock, err := acquireWorkerLock(a.Config)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	ws, err := a.EnsureWorkspace(ctx)
	if err != nil {
		return err
	}

	if once {
		n, err := a.Workers.Process(ws.ID)
		if err != nil {
			return err
		}
		a.Workers.Service(ws.ID).Wait()
		fmt.Fprintf(out, "Processed %d job(s) in workspace %q\n", n, ws.Name)
		return nil
	}

	if err := a.Workers.Start(ctx, ws.ID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Worker running for workspace %q (lock %s)\n", ws.Name, lock.Path())
	<-ctx.Done()
	return nil
}

// acquireWorkerLock takes the single-instance worker lock.
func acquireWorkerLock(cfg *config.Config) (*flock.Flock, error) {
	dir := cfg.Worker.LockDir
	if dir == "" {
		dir = os.TempDir()
		if cfg.Database.Driver == "sqlite" && cfg.Database.Path != ":memory:" {
			dir = filepath.Dir(cfg.Database.Path)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "stageline-"+cfg.Workspace+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another stageline worker is already running for this workspace")
	}
	return lock, nil
}
