package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/stageline/internal/config"
	"github.com/zulandar/stageline/internal/db"
)

func newDBCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd(g))
	cmd.AddCommand(newDBResetCmd(g))
	return cmd
}

func newDBInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the Stageline database",
		Long:  "Creates the database if needed, migrates all tables and seeds the configured workspace with its pipeline columns.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, g)
		},
	}
}

func runDBInit(cmd *cobra.Command, g *globals) error {
	out := cmd.OutOrStdout()

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Using %s database for workspace %q\n", cfg.Database.Driver, cfg.Workspace)

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		err = db.CreateDatabase(adminDB, cfg.Database.Name)
		db.Close(adminDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	return seed(cmd, g)
}

// seed migrates through app.New and makes sure the workspace exists.
func seed(cmd *cobra.Command, g *globals) error {
	out := cmd.OutOrStdout()

	a, err := g.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	ws, err := a.EnsureWorkspace(cmd.Context())
	if err != nil {
		return err
	}
	cols, err := a.Workspaces.Columns(cmd.Context(), ws.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Workspace %q ready with %d columns\n", ws.Name, len(cols))
	fmt.Fprintln(out, "\nStageline database initialized successfully.")
	return nil
}

func newDBResetCmd(g *globals) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the Stageline database",
		Long: `Drops the Stageline database (or deletes the sqlite file) and
re-initializes it from config. All projects, jobs and notifications are lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, g, yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, g *globals, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	target := databaseLabel(cfg.Database)

	if !skipConfirm && !confirmReset(cmd, target) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	switch cfg.Database.Driver {
	case "mysql":
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close(adminDB)
		if err := db.DropDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
	case "sqlite":
		if cfg.Database.Path != ":memory:" {
			for _, suffix := range []string{"", "-wal", "-shm"} {
				if err := os.Remove(cfg.Database.Path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("remove %s: %w", cfg.Database.Path+suffix, err)
				}
			}
		}
	}
	fmt.Fprintf(out, "Dropped %s\n", target)

	return seed(cmd, g)
}

func databaseLabel(cfg config.DatabaseConfig) string {
	if cfg.Driver == "mysql" {
		return fmt.Sprintf("database %q", cfg.Name)
	}
	return fmt.Sprintf("sqlite file %q", cfg.Path)
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in %s.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
