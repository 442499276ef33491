// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/portredir/internal/daemon"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portredir",
	Short: "portredir - TCP source-port redirector",
	Long: `portredir rewrites the TCP destination port of IPv4/TCP frames whose
source port is listed in a small redirection table, and sends them back out
of the interface they arrived on. Everything else passes untouched.

Hosts:
  - afpacket: userspace workers on an AF_PACKET TPACKET_V3 ring
  - xdp:      a compiled XDP program sharing a pinned eBPF map
  - none:     serve the table only (external XDP loader, iptables mirror)`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/portredir/portredir.yml",
		"config file path")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(mapCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
