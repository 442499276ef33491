// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/portredir/internal/config"
	"firestige.xyz/portredir/internal/diag"
	"firestige.xyz/portredir/internal/host"
	logpkg "firestige.xyz/portredir/internal/log"
	"firestige.xyz/portredir/internal/metrics"
	"firestige.xyz/portredir/internal/offload/forward"
	"firestige.xyz/portredir/internal/offload/iptables"
	"firestige.xyz/portredir/internal/offload/xdp"
	"firestige.xyz/portredir/internal/redirect"
	"firestige.xyz/portredir/internal/table"
)

// Version is reported at startup and by the CLI.
var Version = "0.1.0"

const gaugeInterval = 5 * time.Second

// Daemon manages the portredir process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string
	pidWritten bool

	// Core components, in start order
	metricsServer *metrics.Server // nil if metrics disabled
	table         table.Table
	sink          diag.Sink
	redirector    *redirect.Redirector
	mirror        *iptables.Mirror   // nil if iptables disabled
	forwarder     *forward.Forwarder // nil if forward disabled
	offload       *xdp.Offload       // nil unless host.mode=xdp
	dispatcher    *host.Dispatcher   // nil unless host.mode=afpacket

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	hostErr  chan error
	hostDone chan struct{}
	sigChan  chan os.Signal
	stopOnce sync.Once
}

// New creates a new Daemon instance from a config file.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig creates a Daemon from an already validated configuration.
func NewWithConfig(cfg *config.GlobalConfig, configPath string) *Daemon {
	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		pidFile:    cfg.Control.PIDFile,
		hostErr:    make(chan error, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all daemon components. On failure every
// component started so far is torn down again.
func (d *Daemon) Start() (err error) {
	defer func() {
		if err != nil {
			d.teardown()
		}
	}()

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting portredir daemon",
		"version", Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"host_mode", d.config.Host.Mode,
		"table_backend", d.config.Table.Backend,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Create and populate the redirection table
	if err := d.openTable(); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// 5. Diagnostics sink and redirector
	d.sink, err = diag.New(d.diagConfig())
	if err != nil {
		return fmt.Errorf("failed to create diagnostics sink: %w", err)
	}
	d.redirector = redirect.New(d.table,
		redirect.WithSink(d.sink),
		redirect.WithTruncatedVerdict(d.config.Redirect.TruncatedVerdict()),
	)

	// 6. iptables mirror
	if d.config.IPTables.Enabled {
		if err := d.startMirror(); err != nil {
			return fmt.Errorf("failed to sync iptables: %w", err)
		}
	}

	// 7. Userspace relays
	if d.config.Forward.Enabled {
		if err := d.startForwarder(); err != nil {
			return fmt.Errorf("failed to start forward relays: %w", err)
		}
	}

	// 8. Attach to the host
	if err := d.startHost(); err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}

	go d.refreshGauges(d.table)

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown")
		d.teardown()
		slog.Info("daemon stopped gracefully")
		logpkg.Flush()
	})
}

// teardown releases components in reverse start order. Safe on a partially
// started daemon.
func (d *Daemon) teardown() {
	// 1. Detach from the host first so no frame reads a closing table
	d.cancel()
	if d.hostDone != nil {
		<-d.hostDone
		d.hostDone = nil
	}
	if d.offload != nil {
		if err := d.offload.Close(); err != nil {
			slog.Error("error detaching xdp program", "error", err)
		}
		d.offload = nil
	}

	// 2. Remove iptables rules
	if d.mirror != nil {
		if err := d.mirror.Close(); err != nil {
			slog.Error("error removing iptables rules", "error", err)
		}
		d.mirror = nil
	}

	// 3. Stop userspace relays
	if d.forwarder != nil {
		if err := d.forwarder.Close(); err != nil {
			slog.Error("error stopping forward relays", "error", err)
		}
		d.forwarder = nil
	}

	// 4. Flush diagnostics
	if d.sink != nil {
		if err := diag.Close(d.sink); err != nil {
			slog.Error("error closing diagnostics sink", "error", err)
		}
		d.sink = nil
	}

	// 5. Close the table
	if d.table != nil {
		if err := d.table.Close(); err != nil {
			slog.Error("error closing table", "error", err)
		}
		metrics.TableEntries.Set(0)
		d.table = nil
	}

	// 6. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
		d.metricsServer = nil
	}

	// 7. Unregister signal handler
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 8. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. the host failing
//
// SIGHUP is logged and ignored; the table is only changed through its
// managers (portredir map ...), never by reloading the config.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil
			case syscall.SIGHUP:
				slog.Warn("received SIGHUP, config reload is not supported; restart to apply changes")
			}

		case err := <-d.hostErr:
			slog.Error("host stopped", "error", err)
			d.Stop()
			return fmt.Errorf("host stopped: %w", err)

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Table returns the redirection table, nil before Start or after Stop.
func (d *Daemon) Table() table.Table { return d.table }

// Redirector returns the redirector built by Start.
func (d *Daemon) Redirector() *redirect.Redirector { return d.redirector }

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}

	slog.SetDefault(logpkg.Get())

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	srv := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := srv.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = srv
	return nil
}

func (d *Daemon) openTable() error {
	tc := d.config.Table
	switch tc.Backend {
	case "ebpf":
		t, err := table.NewEBPF(tc.Capacity, tc.PinPath)
		if err != nil {
			return err
		}
		d.table = t
	default:
		t, err := table.NewMemory(tc.Capacity)
		if err != nil {
			return err
		}
		d.table = t
	}

	if err := table.Populate(d.table, tc.Mappings()); err != nil {
		return err
	}

	metrics.TableCapacity.Set(float64(d.table.Capacity()))
	metrics.TableEntries.Set(float64(d.table.Len()))

	slog.Info("redirection table ready",
		"backend", tc.Backend,
		"capacity", tc.Capacity,
		"entries", d.table.Len(),
		"pin_path", tc.PinPath)
	return nil
}

func (d *Daemon) diagConfig() diag.Config {
	dc := d.config.Diagnostics
	timeout, _ := time.ParseDuration(dc.Kafka.BatchTimeout)
	return diag.Config{
		Sink:      dc.Sink,
		RateLimit: dc.RateLimit,
		Burst:     dc.Burst,
		Kafka: diag.KafkaConfig{
			Brokers:      dc.Kafka.Brokers,
			Topic:        dc.Kafka.Topic,
			BatchSize:    dc.Kafka.BatchSize,
			BatchTimeout: timeout,
			Compression:  dc.Kafka.Compression,
			MaxAttempts:  dc.Kafka.MaxAttempts,
			QueueSize:    dc.Kafka.QueueSize,
			Node:         d.config.Node.Hostname,
			Interface:    d.config.Host.Interface,
		},
	}
}

func (d *Daemon) startMirror() error {
	m, err := iptables.New(d.config.IPTables.Chain)
	if err != nil {
		return err
	}
	entries, err := d.table.Entries()
	if err != nil {
		return err
	}
	if err := m.Sync(entries); err != nil {
		m.Close()
		return err
	}
	d.mirror = m
	return nil
}

func (d *Daemon) startForwarder() error {
	fc := d.config.Forward
	f := forward.New(forward.Options{
		ListenHost:  fc.ListenHost,
		TargetHost:  fc.TargetHost,
		DialTimeout: fc.DialTimeoutDuration(),
	})
	entries, err := d.table.Entries()
	if err != nil {
		return err
	}
	if err := f.Sync(entries); err != nil {
		f.Close()
		return err
	}
	d.forwarder = f
	return nil
}

func (d *Daemon) startHost() error {
	hc := d.config.Host
	switch hc.Mode {
	case "afpacket":
		if _, ok := d.table.(*table.EBPF); ok {
			slog.Warn("afpacket host with the ebpf table backend costs one map lookup syscall per frame; use the memory backend unless the map is edited live")
		}
		ports, err := host.OpenAFPacket(host.AFPacketConfig{
			Interface:    hc.Interface,
			Workers:      hc.Workers,
			FanoutID:     hc.FanoutID,
			SnapLen:      hc.SnapLen,
			BufferSizeMB: hc.BufferSizeMB,
			BlockSizeKB:  hc.BlockSizeKB,
			PollTimeout:  hc.PollTimeoutDuration(),
			Filter: host.FilterOptions{
				SkipOutgoing: hc.SkipOutgoing,
				Candidates:   hc.Prefilter,
			},
		})
		if err != nil {
			return err
		}
		d.dispatcher = host.NewDispatcher(hc.Interface, d.redirector)
		d.hostDone = make(chan struct{})
		go func() {
			defer close(d.hostDone)
			err := d.dispatcher.Run(d.ctx, ports)
			if err == nil && d.ctx.Err() == nil {
				err = errors.New("all workers exited")
			}
			if err != nil {
				d.hostErr <- err
			}
		}()

	case "xdp":
		ebpfTable, ok := d.table.(*table.EBPF)
		if !ok {
			return errors.New("xdp host requires the ebpf table backend")
		}
		off, err := xdp.Attach(xdp.Options{
			ObjectPath: hc.XDP.ObjectPath,
			Interface:  hc.Interface,
			Program:    hc.XDP.Program,
			Map:        hc.XDP.Map,
			Mode:       hc.XDP.Mode,
			Table:      ebpfTable,
		})
		if err != nil {
			return err
		}
		d.offload = off

	case "none":
		slog.Info("no host attached; table is served to external consumers only")
	}
	return nil
}

// refreshGauges keeps the table gauges current while external managers edit
// a pinned map.
func (d *Daemon) refreshGauges(t table.Table) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.TableEntries.Set(float64(t.Len()))
		case <-d.ctx.Done():
			return
		}
	}
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	d.pidWritten = true

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" || !d.pidWritten {
		return nil
	}
	d.pidWritten = false

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
