// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/portredir/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `portredir:` root key in YAML.
type GlobalConfig struct {
	Node        NodeConfig        `mapstructure:"node"`
	Table       TableConfig       `mapstructure:"table"`
	Redirect    RedirectConfig    `mapstructure:"redirect"`
	Host        HostConfig        `mapstructure:"host"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	IPTables    IPTablesConfig    `mapstructure:"iptables"`
	Forward     ForwardConfig     `mapstructure:"forward"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	Control     ControlConfig     `mapstructure:"control"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname"` // Empty = os.Hostname()
}

// ─── Redirection Table ───

// TableConfig describes the redirection table and its initial contents.
type TableConfig struct {
	Capacity int           `mapstructure:"capacity"`
	Backend  string        `mapstructure:"backend"`  // memory | ebpf
	PinPath  string        `mapstructure:"pin_path"` // bpffs path, ebpf backend only
	Entries  []EntryConfig `mapstructure:"entries"`
}

// EntryConfig is one source-port to destination-port mapping.
type EntryConfig struct {
	SourcePort      int `mapstructure:"source_port"`
	DestinationPort int `mapstructure:"destination_port"`
}

// Mappings converts the validated entries into core mappings.
func (t TableConfig) Mappings() []core.Mapping {
	out := make([]core.Mapping, 0, len(t.Entries))
	for _, e := range t.Entries {
		out = append(out, core.Mapping{
			SourcePort:      uint16(e.SourcePort),
			DestinationPort: uint16(e.DestinationPort),
		})
	}
	return out
}

// ─── Redirector ───

// RedirectConfig tunes the decision function.
type RedirectConfig struct {
	TruncatedPolicy string `mapstructure:"truncated_policy"` // pass | drop
}

// TruncatedVerdict returns the verdict for frames too short to decide on.
func (r RedirectConfig) TruncatedVerdict() core.Verdict {
	if r.TruncatedPolicy == "drop" {
		return core.VerdictDrop
	}
	return core.VerdictPass
}

// ─── Host ───

// HostConfig selects where frames come from.
type HostConfig struct {
	Mode         string    `mapstructure:"mode"` // afpacket | xdp | none
	Interface    string    `mapstructure:"interface"`
	Workers      int       `mapstructure:"workers"`
	FanoutID     int       `mapstructure:"fanout_id"`
	SnapLen      int       `mapstructure:"snap_len"`
	BufferSizeMB int       `mapstructure:"buffer_size_mb"`
	BlockSizeKB  int       `mapstructure:"block_size_kb"`
	PollTimeout  string    `mapstructure:"poll_timeout"`
	Prefilter    bool      `mapstructure:"prefilter"`
	SkipOutgoing bool      `mapstructure:"skip_outgoing"`
	XDP          XDPConfig `mapstructure:"xdp"`
}

// PollTimeoutDuration returns the parsed poll timeout, 100ms if unset or invalid.
func (h HostConfig) PollTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(h.PollTimeout)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// XDPConfig configures in-kernel offload of the redirector.
type XDPConfig struct {
	ObjectPath string `mapstructure:"object_path"`
	Program    string `mapstructure:"program"`
	Map        string `mapstructure:"map"`
	Mode       string `mapstructure:"mode"` // generic | driver | offload
}

// ─── Diagnostics ───

// DiagnosticsConfig selects the diagnostic sink.
type DiagnosticsConfig struct {
	Sink      string                 `mapstructure:"sink"` // log | kafka | none
	RateLimit float64                `mapstructure:"rate_limit"`
	Burst     int                    `mapstructure:"burst"`
	Kafka     DiagnosticsKafkaConfig `mapstructure:"kafka"`
}

// DiagnosticsKafkaConfig configures the Kafka diagnostic stream.
type DiagnosticsKafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
	Compression  string   `mapstructure:"compression"` // none | gzip | snappy | lz4
	MaxAttempts  int      `mapstructure:"max_attempts"`
	QueueSize    int      `mapstructure:"queue_size"`
}

// ─── iptables ───

// IPTablesConfig configures the DNAT mirror of the table.
type IPTablesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Chain   string `mapstructure:"chain"`
}

// ─── Forward ───

// ForwardConfig configures the userspace TCP relay mirror of the table.
type ForwardConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenHost  string `mapstructure:"listen_host"` // empty = all addresses
	TargetHost  string `mapstructure:"target_host"`
	DialTimeout string `mapstructure:"dial_timeout"`
}

// DialTimeoutDuration returns the parsed dial timeout, 0 if unset or invalid.
func (f ForwardConfig) DialTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(f.DialTimeout)
	return d
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Control ───

// ControlConfig contains local process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `portredir: ...`.
type configRoot struct {
	Portredir GlobalConfig `mapstructure:"portredir"`
}

// Load loads configuration from file.
// The YAML file uses `portredir:` as root key; env vars map through the key
// replacer (e.g. key "portredir.log.level" → env "PORTREDIR_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Portredir

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "portredir." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("portredir.control.pid_file", "/var/run/portredir.pid")

	// Table defaults
	v.SetDefault("portredir.table.capacity", 2)
	v.SetDefault("portredir.table.backend", "memory")
	v.SetDefault("portredir.table.pin_path", "/sys/fs/bpf/portredir/port_map")

	// Redirector defaults
	v.SetDefault("portredir.redirect.truncated_policy", "pass")

	// Host defaults
	v.SetDefault("portredir.host.mode", "afpacket")
	v.SetDefault("portredir.host.workers", 1)
	v.SetDefault("portredir.host.fanout_id", 42)
	v.SetDefault("portredir.host.snap_len", 65535)
	v.SetDefault("portredir.host.buffer_size_mb", 8)
	v.SetDefault("portredir.host.block_size_kb", 1024)
	v.SetDefault("portredir.host.poll_timeout", "100ms")
	v.SetDefault("portredir.host.prefilter", true)
	v.SetDefault("portredir.host.skip_outgoing", true)
	v.SetDefault("portredir.host.xdp.program", "redirect_ports")
	v.SetDefault("portredir.host.xdp.map", "port_map")
	v.SetDefault("portredir.host.xdp.mode", "generic")

	// Diagnostics defaults
	v.SetDefault("portredir.diagnostics.sink", "log")
	v.SetDefault("portredir.diagnostics.rate_limit", 10.0)
	v.SetDefault("portredir.diagnostics.burst", 20)
	v.SetDefault("portredir.diagnostics.kafka.topic", "portredir-lookups")
	v.SetDefault("portredir.diagnostics.kafka.batch_size", 100)
	v.SetDefault("portredir.diagnostics.kafka.batch_timeout", "100ms")
	v.SetDefault("portredir.diagnostics.kafka.compression", "snappy")
	v.SetDefault("portredir.diagnostics.kafka.max_attempts", 3)
	v.SetDefault("portredir.diagnostics.kafka.queue_size", 4096)

	// iptables defaults
	v.SetDefault("portredir.iptables.enabled", false)
	v.SetDefault("portredir.iptables.chain", "PORTREDIR")

	// Forward defaults
	v.SetDefault("portredir.forward.enabled", false)
	v.SetDefault("portredir.forward.target_host", "127.0.0.1")
	v.SetDefault("portredir.forward.dial_timeout", "5s")

	// Log defaults
	v.SetDefault("portredir.log.level", "info")
	v.SetDefault("portredir.log.format", "json")
	v.SetDefault("portredir.log.outputs.file.enabled", false)
	v.SetDefault("portredir.log.outputs.file.path", "/var/log/portredir/portredir.log")
	v.SetDefault("portredir.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("portredir.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("portredir.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("portredir.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("portredir.metrics.enabled", true)
	v.SetDefault("portredir.metrics.listen", ":9091")
	v.SetDefault("portredir.metrics.path", "/metrics")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	if err := cfg.validateTable(); err != nil {
		return err
	}

	// ── Redirector ──
	switch cfg.Redirect.TruncatedPolicy {
	case "pass", "drop":
	default:
		return invalid("invalid redirect.truncated_policy: %s (must be pass/drop)", cfg.Redirect.TruncatedPolicy)
	}

	if err := cfg.validateHost(); err != nil {
		return err
	}

	// ── Diagnostics ──
	switch cfg.Diagnostics.Sink {
	case "log", "none":
	case "kafka":
		k := cfg.Diagnostics.Kafka
		if len(k.Brokers) == 0 {
			return invalid("diagnostics.kafka.brokers is required when diagnostics.sink=kafka")
		}
		if k.Topic == "" {
			return invalid("diagnostics.kafka.topic is required when diagnostics.sink=kafka")
		}
		if _, err := time.ParseDuration(k.BatchTimeout); err != nil {
			return invalid("invalid diagnostics.kafka.batch_timeout: %v", err)
		}
		switch k.Compression {
		case "none", "gzip", "snappy", "lz4":
		default:
			return invalid("invalid diagnostics.kafka.compression: %s", k.Compression)
		}
	default:
		return invalid("invalid diagnostics.sink: %s (must be log/kafka/none)", cfg.Diagnostics.Sink)
	}
	if cfg.Diagnostics.RateLimit <= 0 {
		return invalid("diagnostics.rate_limit must be positive")
	}

	// ── iptables ──
	if cfg.IPTables.Enabled && cfg.IPTables.Chain == "" {
		return invalid("iptables.chain is required when iptables.enabled=true")
	}

	// ── Forward ──
	if cfg.Forward.Enabled {
		if cfg.Forward.TargetHost == "" {
			return invalid("forward.target_host is required when forward.enabled=true")
		}
		if _, err := time.ParseDuration(cfg.Forward.DialTimeout); err != nil {
			return invalid("invalid forward.dial_timeout: %s", cfg.Forward.DialTimeout)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}

	return nil
}

func (cfg *GlobalConfig) validateTable() error {
	t := &cfg.Table
	if t.Capacity < 1 {
		return invalid("table.capacity must be at least 1, got %d", t.Capacity)
	}
	switch t.Backend {
	case "memory":
	case "ebpf":
		if t.PinPath == "" {
			return invalid("table.pin_path is required for the ebpf backend")
		}
	default:
		return invalid("invalid table.backend: %s (must be memory/ebpf)", t.Backend)
	}
	if len(t.Entries) > t.Capacity {
		return invalid("table has %d entries but capacity %d", len(t.Entries), t.Capacity)
	}

	seen := make(map[int]bool, len(t.Entries))
	for i, e := range t.Entries {
		if e.SourcePort < 1 || e.SourcePort > 65535 {
			return invalid("table.entries[%d].source_port %d out of range 1-65535", i, e.SourcePort)
		}
		if e.DestinationPort < 1 || e.DestinationPort > 65535 {
			return invalid("table.entries[%d].destination_port %d out of range 1-65535", i, e.DestinationPort)
		}
		if seen[e.SourcePort] {
			return invalid("table.entries[%d]: duplicate source_port %d", i, e.SourcePort)
		}
		seen[e.SourcePort] = true
	}
	return nil
}

func (cfg *GlobalConfig) validateHost() error {
	h := &cfg.Host
	switch h.Mode {
	case "none":
		return nil
	case "afpacket":
		if h.Interface == "" {
			return invalid("host.interface is required for host.mode=afpacket")
		}
		if h.Workers < 1 {
			h.Workers = 1
		}
		if h.SnapLen < 64 {
			return invalid("host.snap_len must be at least 64, got %d", h.SnapLen)
		}
		if h.BufferSizeMB < 1 || h.BlockSizeKB < 1 {
			return invalid("host.buffer_size_mb and host.block_size_kb must be positive")
		}
		if d, err := time.ParseDuration(h.PollTimeout); err != nil || d <= 0 {
			return invalid("invalid host.poll_timeout: %s", h.PollTimeout)
		}
	case "xdp":
		if h.Interface == "" {
			return invalid("host.interface is required for host.mode=xdp")
		}
		if h.XDP.ObjectPath == "" {
			return invalid("host.xdp.object_path is required for host.mode=xdp")
		}
		if cfg.Table.Backend != "ebpf" {
			return invalid("host.mode=xdp requires table.backend=ebpf")
		}
		switch h.XDP.Mode {
		case "generic", "driver", "offload":
		default:
			return invalid("invalid host.xdp.mode: %s (must be generic/driver/offload)", h.XDP.Mode)
		}
	default:
		return invalid("invalid host.mode: %s (must be afpacket/xdp/none)", h.Mode)
	}
	return nil
}
