// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"firestige.xyz/portredir/internal/core"
)

var (
	// FramesTotal counts frames evaluated by the redirector
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portredir_frames_total",
			Help: "Total number of frames evaluated by the redirector",
		},
		[]string{"verdict", "reason"},
	)

	// TableEntries tracks the number of entries in the redirection table
	TableEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portredir_table_entries",
			Help: "Current number of entries in the redirection table",
		},
	)

	// TableCapacity exposes the fixed capacity of the redirection table
	TableCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portredir_table_capacity",
			Help: "Capacity of the redirection table",
		},
	)

	// DiagDroppedTotal counts diagnostic records a sink discarded
	DiagDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portredir_diag_dropped_total",
			Help: "Total number of diagnostic records dropped by a sink",
		},
		[]string{"sink"},
	)

	// HostWriteErrorsTotal counts failed resubmissions per port
	HostWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portredir_host_write_errors_total",
			Help: "Total number of frames that could not be resubmitted",
		},
		[]string{"port"},
	)

	// ForwardConnectionsTotal counts connections accepted by forward relays
	ForwardConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portredir_forward_connections_total",
			Help: "Total number of connections accepted by forward relays",
		},
		[]string{"listen_port"},
	)

	// ForwardActiveConnections tracks relayed connections currently open
	ForwardActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portredir_forward_active_connections",
			Help: "Current number of open forward relay connections",
		},
	)
)

// FrameCounters holds the FramesTotal children for every verdict/reason pair
// the redirector can produce, so the per-frame path does no label lookups.
type FrameCounters struct {
	counters [3][5]prometheus.Counter
}

// NewFrameCounters binds FramesTotal children up front.
func NewFrameCounters() *FrameCounters {
	fc := &FrameCounters{}
	verdicts := []core.Verdict{core.VerdictPass, core.VerdictDrop, core.VerdictResubmit}
	reasons := []core.Reason{
		core.ReasonNotIPv4, core.ReasonNotTCP, core.ReasonNoMapping,
		core.ReasonRedirected, core.ReasonTruncated,
	}
	for _, v := range verdicts {
		for _, r := range reasons {
			fc.counters[v][r] = FramesTotal.WithLabelValues(v.String(), r.String())
		}
	}
	return fc
}

// Inc counts one frame.
func (fc *FrameCounters) Inc(v core.Verdict, r core.Reason) {
	if int(v) < len(fc.counters) && int(r) < len(fc.counters[v]) {
		fc.counters[v][r].Inc()
	}
}
