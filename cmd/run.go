package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/portredir/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the portredir daemon in foreground",
	Long: `Run the portredir daemon in foreground.

The daemon will:
  1. Load configuration from the config file
  2. Initialize logging and metrics
  3. Create the redirection table and load its entries
  4. Mirror the table into iptables (if enabled)
  5. Attach to the configured host (afpacket workers or an XDP program)
  6. Detach and release everything on SIGTERM or SIGINT`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	},
}

func runDaemon() error {
	d, err := daemon.New(configFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Blocks until shutdown
	return d.Run()
}
