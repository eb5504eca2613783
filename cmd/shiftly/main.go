package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/shiftly/cmd/shiftly/commands"
	"github.com/teranos/shiftly/logger"
)

var rootCmd = &cobra.Command{
	Use:   "shiftly",
	Short: "shiftly - instant shift dispatch for employers and students",
	Long: `shiftly - instant shift dispatch for employers and students.

Employers post a short job with pay held in escrow; shiftly broadcasts it to
nearby students in waves until one accepts and the employer confirms.

Available commands:
  server  - Start the HTTP API, websocket notifications and background sweep
  am      - Show and validate configuration ("I am")
  db      - Apply migrations and inspect the database
  job     - Inspect a job and its escrow
  version - Show version information

Examples:
  shiftly server                 # Start the API on the configured port
  shiftly am show --format yaml  # Show the effective configuration
  shiftly db stats               # Count jobs and escrows by status
  shiftly job show <id>          # Show one job with its escrow`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Machine-readable output stays clean
		if cmd.Name() == "show" || cmd.Name() == "get" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithVerbosity(false, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
