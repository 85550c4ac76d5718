// Package main provides the CLI for the tunelab plugin runtime.
// Tunelab runs untrusted JavaScript plugins (import parsers and scheduling
// overrides) inside a sandboxed interpreter with capability-gated access to
// the practice database.
//
// Usage:
//
//	tlab run <script>            # Run a plugin entry point with a JSON payload
//	tlab schedule                # Compute the next review through the override service
//	tlab check-query <sql>       # Show the gatekeeper verdict for a SQL statement
//	tlab plugins list            # List installed plugins
//	tlab plugins verify          # Verify plugin scripts against the integrity root
//	tlab dev <script>            # Re-run a plugin whenever its script changes
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunelab/tunelab/internal/ui"

	// Database drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// version is set via ldflags during build: -ldflags="-X main.version=v1.0.0"
var version = "dev"

// Global flags
var (
	configFile  string
	databaseURL string
	noColor     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "tlab",
		Short:   "Sandboxed plugin runtime for tune practice",
		Long:    `Tunelab runs untrusted JavaScript plugins inside a sandboxed interpreter with capability-gated access to the practice database.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				ui.SetColors(false)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "tlab.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&databaseURL, "database-url", "d", "", "Database connection URL")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		runCmd(),
		scheduleCmd(),
		checkQueryCmd(),
		pluginsCmd(),
		devCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.Error("error:")+" "+err.Error())
		os.Exit(1)
	}
}
