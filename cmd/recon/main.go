/*
main.go - Application entry point

PURPOSE:
  Command-line interface for the revenue reconciliation engine. Each
  pipeline stage can be run once for a window, or the HTTP server can run
  them on a schedule.

COMMANDS:
  expected   Materialize expected revenue for a window
  match      Match network statements to expected revenue
  reconcile  Classify a window's discrepancies into deltas
  serve      Start the HTTP API and the window scheduler
  migrate    Create or update the backend schema

CONFIGURATION:
  Settings come from the environment (optionally seeded from --env-file)
  and may be overridden by flags. Tunables come from --config and the
  environment and are re-read on every stage run. See config/.

EXAMPLES:
  # Reconcile one day against the local SQLite database
  recon reconcile --from 2025-01-10 --to 2025-01-11

  # Preview a matching batch without writing
  recon match --from 2025-01-10 --to 2025-01-11 --dry-run

  # Serve against Postgres with ClickHouse inputs
  RECON_BACKEND=postgres RECON_POSTGRES_DSN=... CLICKHOUSE_ADDR=ch:9000 recon serve

SEE ALSO:
  - app.go: Dependency wiring
  - serve.go: HTTP server and graceful shutdown
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootFlags override settings loaded from the environment.
type rootFlags struct {
	envFile     string
	configFile  string
	backend     string
	sqlitePath  string
	postgresDSN string
	logLevel    string
	debug       bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "recon",
		Short:         "Revenue reconciliation between expected and reported ad revenue",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "Dotenv file seeding the environment")
	pf.StringVar(&flags.configFile, "config", "", "YAML file with reconciliation tunables")
	pf.StringVar(&flags.backend, "backend", "", "Storage backend (memory, sqlite, postgres)")
	pf.StringVar(&flags.sqlitePath, "db", "", "SQLite database path")
	pf.StringVar(&flags.postgresDSN, "postgres-dsn", "", "PostgreSQL DSN")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&flags.debug, "debug", false, "Development logging")

	rootCmd.AddCommand(expectedCmd(flags))
	rootCmd.AddCommand(matchCmd(flags))
	rootCmd.AddCommand(reconcileCmd(flags))
	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(migrateCmd(flags))

	return rootCmd
}
