package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned when the PID file names no live process.
var ErrNotRunning = errors.New("daemon not running")

// ReadPID returns the process ID recorded in pidFile.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", pidFile, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Running reports the PID of the daemon recorded in pidFile if that process
// is still alive.
func Running(pidFile string) (int, error) {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return 0, err
	}
	if !alive(pid) {
		return pid, ErrNotRunning
	}
	return pid, nil
}

// StopRunning sends SIGTERM to the daemon and waits up to timeout for it to exit.
func StopRunning(pidFile string, timeout time.Duration) error {
	pid, err := Running(pidFile)
	if err != nil {
		return err
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon %d did not exit within %s", pid, timeout)
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
