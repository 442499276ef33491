package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/portredir/internal/config"
	"firestige.xyz/portredir/internal/daemon"
)

var (
	pidFileFlag string
	stopTimeout time.Duration
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the portredir daemon",
	Long: `Stop the running daemon gracefully.

Sends SIGTERM to the process named in the PID file and waits for it to detach
its host, remove its iptables rules and exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStop(os.Stdout, resolvePIDFile(), stopTimeout); err != nil {
			exitWithError("failed to stop daemon", err)
		}
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStatus(os.Stdout, resolvePIDFile()); err != nil {
			exitWithError("status", err)
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{stopCmd, statusCmd} {
		c.Flags().StringVarP(&pidFileFlag, "pidfile", "p", "",
			"PID file path (default: control.pid_file from the config)")
	}
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second,
		"how long to wait for the daemon to exit")
}

// resolvePIDFile prefers the flag, then the config file, then the built-in default.
func resolvePIDFile() string {
	if pidFileFlag != "" {
		return pidFileFlag
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.PIDFile != "" {
		return cfg.Control.PIDFile
	}
	return "/var/run/portredir.pid"
}

func runStop(w io.Writer, pidFile string, timeout time.Duration) error {
	if err := daemon.StopRunning(pidFile, timeout); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Fprintln(w, "daemon is not running")
			return nil
		}
		return err
	}
	fmt.Fprintln(w, "✓ Daemon stopped")
	return nil
}

func runStatus(w io.Writer, pidFile string) error {
	pid, err := daemon.Running(pidFile)
	switch {
	case errors.Is(err, daemon.ErrNotRunning):
		fmt.Fprintln(w, "stopped")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(w, "running (pid %d)\n", pid)
	return nil
}
