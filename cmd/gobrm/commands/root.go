// Package commands implements the gobrm command-line interface.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the --config flag value shared by all subcommands.
var configPath string

// rootCmd is the top-level gobrm command. Running it without a
// subcommand starts the daemon.
var rootCmd = &cobra.Command{
	Use:   "gobrm",
	Short: "RA-based Border Routing Manager for Thread Border Routers",
	Long: `gobrm bridges a Thread mesh network to an adjacent IPv6
infrastructure link: it participates as a router on the link via
IPv6 Neighbor Discovery (RFC 4861) and keeps the set of routable
prefixes synchronised between the two realms.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runDaemon(configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to configuration file (YAML)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gobrm:", err)
		return 1
	}
	return 0
}
