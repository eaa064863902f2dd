package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/dispatch/cmd/dispatchd/commands"
	"github.com/teranos/dispatch/logger"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd - distributed test-dispatch server",
	Long: `dispatchd coordinates a pool of test runners against a set of
discovered test classes: it matches runners to work, tracks which methods
are still outstanding per class, and retries failed or unresponsive work
according to a configurable policy.

Available commands:
  serve     - Start the dispatch server
  discover  - Validate a discovery manifest without starting a server
  version   - Show build version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		return logger.Initialize(jsonLogs)
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "emit structured JSON logs instead of console output")
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DiscoverCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
