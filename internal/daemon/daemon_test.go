package daemon

import (
	"bufio"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"firestige.xyz/portredir/internal/config"
	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/redirect/frametest"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	configPath := filepath.Join(dir, "portredir.yml")
	content := `
portredir:
  node:
    hostname: test-daemon-001
  control:
    pid_file: ` + filepath.Join(dir, "portredir.pid") + `
  table:
    capacity: 2
    entries:
      - source_port: 80
        destination_port: 8080
  host:
    mode: none
  diagnostics:
    sink: none
  log:
    level: debug
    format: text
    outputs:
      file:
        enabled: true
        path: ` + filepath.Join(dir, "portredir.log") + `
  metrics:
    enabled: true
    listen: 127.0.0.1:0
` + extra
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "")
	pidFile := filepath.Join(tmpDir, "portredir.pid")

	d, err := New(configPath)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	// PID file should hold our PID
	pid, err := ReadPID(pidFile)
	if err != nil {
		t.Fatalf("failed to read PID file: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("PID file has %d, expected %d", pid, os.Getpid())
	}

	// Table is populated from config
	if dst, ok := d.Table().Lookup(80); !ok || dst != 8080 {
		t.Errorf("Lookup(80) = %d, %v; expected 8080, true", dst, ok)
	}

	// Redirector is wired to the table
	frame := frametest.TCP4(80, 1234)
	if v := d.Redirector().Decide(frame); v != core.VerdictResubmit {
		t.Errorf("Decide = %s, expected resubmit", v)
	}

	d.Stop()
	d.Stop()

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file should be removed after stop, stat err: %v", err)
	}
	if d.Table() != nil {
		t.Error("table should be released after stop")
	}
}

func TestDaemon_RunStopsOnHostError(t *testing.T) {
	tmpDir := t.TempDir()
	d, err := New(writeConfig(t, tmpDir, ""))
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	d.hostErr <- errors.New("link down")

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return the host error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after host error")
	}
}

func TestDaemon_StartFailsOnBadBackend(t *testing.T) {
	tmpDir := t.TempDir()
	// The ebpf backend with an unwritable pin path cannot be created.
	configPath := writeConfig(t, tmpDir, "")
	d, err := New(configPath)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	d.config.Table.Backend = "ebpf"
	d.config.Table.PinPath = filepath.Join(tmpDir, "not-bpffs", "port_map")

	if err := d.Start(); err == nil {
		d.Stop()
		t.Skip("ebpf map pinned outside bpffs; kernel allowed it")
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "portredir.pid")); !os.IsNotExist(err) {
		t.Errorf("PID file should be removed after failed start, stat err: %v", err)
	}
}

func TestDaemon_TeardownAfterFailedOpenTable(t *testing.T) {
	for _, backend := range []string{"ebpf", "memory"} {
		t.Run(backend, func(t *testing.T) {
			tmpDir := t.TempDir()
			d, err := New(writeConfig(t, tmpDir, ""))
			if err != nil {
				t.Fatalf("failed to create daemon: %v", err)
			}
			d.config.Table.Backend = backend
			d.config.Table.Capacity = 0

			if err := d.openTable(); !errors.Is(err, core.ErrConfigInvalid) {
				t.Fatalf("expected ErrConfigInvalid, got %v", err)
			}
			if d.Table() != nil {
				t.Fatalf("table should stay nil after a failed open, got %#v", d.Table())
			}

			d.teardown()
		})
	}
}

func TestDaemon_StartReturnsTableError(t *testing.T) {
	tmpDir := t.TempDir()
	d, err := New(writeConfig(t, tmpDir, ""))
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	d.config.Table.Backend = "ebpf"
	d.config.Table.Capacity = 0

	if err := d.Start(); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("expected Start to fail with ErrConfigInvalid, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "portredir.pid")); !os.IsNotExist(err) {
		t.Errorf("PID file should be removed after failed start, stat err: %v", err)
	}
}

func TestDaemon_ForwardRelaysFollowTable(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer target.Close()
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			c.Write([]byte("green\n"))
			c.Close()
		}
	}()

	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	src := reserve.Addr().(*net.TCPAddr).Port
	reserve.Close()
	dst := target.Addr().(*net.TCPAddr).Port

	tmpDir := t.TempDir()
	d, err := New(writeConfig(t, tmpDir, ""))
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	d.config.Table.Entries = []config.EntryConfig{{SourcePort: src, DestinationPort: dst}}
	d.config.Forward = config.ForwardConfig{
		Enabled:     true,
		ListenHost:  "127.0.0.1",
		TargetHost:  "127.0.0.1",
		DialTimeout: "1s",
	}

	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(src))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		d.Stop()
		t.Fatalf("relay not listening: %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	conn.Close()
	if err != nil || line != "green\n" {
		t.Errorf("relay reply = %q, %v; expected green", line, err)
	}

	d.Stop()
	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("relay should stop listening after Stop")
	}
}

func TestNewInvalidConfig(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "p.pid")

	if _, err := ReadPID(pidFile); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning for missing file, got %v", err)
	}

	os.WriteFile(pidFile, []byte("garbage\n"), 0644)
	if _, err := ReadPID(pidFile); err == nil {
		t.Error("expected error for garbage PID file")
	}

	os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
	pid, err := Running(pidFile)
	if err != nil || pid != os.Getpid() {
		t.Errorf("Running = %d, %v; expected our own PID", pid, err)
	}
}
