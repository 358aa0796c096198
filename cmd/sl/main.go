package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	g := &globals{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "sl",
		Short:        "Stageline: AI-assisted product pipeline",
		Long:         "Stageline moves projects through a configurable product pipeline and runs the AI jobs each stage needs.",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", defaultConfigPath, "path to Stageline config file")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("actor", "cli", "actor recorded on transitions and approvals")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "log-format", "log-level", "actor", "json"} {
		_ = g.v.BindPFlag(name, flags.Lookup(name))
	}
	g.v.SetEnvPrefix("STAGELINE")
	g.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	g.v.AutomaticEnv()

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newWorkerCmd(g))
	cmd.AddCommand(newDBCmd(g))
	cmd.AddCommand(newJobCmd(g))
	cmd.AddCommand(newProjectCmd(g))
	cmd.AddCommand(newNotificationsCmd(g))
	cmd.AddCommand(newTokenCmd(g))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	// A missing .env is fine; secrets may come from the real environment.
	_ = godotenv.Load()
	os.Exit(execute(newRootCmd()))
}
