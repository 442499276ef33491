package diag

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/metrics"
)

const (
	defaultLogRate  = 10
	defaultLogBurst = 20
)

// LogSink writes "looking up port" debug lines through slog, rate limited so
// a traffic burst never turns into a log burst.
type LogSink struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	dropped prometheus.Counter
}

// NewLogSink creates a log sink. A nil logger uses slog.Default; a
// non-positive limit or burst falls back to defaults.
func NewLogSink(logger *slog.Logger, limit float64, burst int) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = defaultLogRate
	}
	if burst <= 0 {
		burst = defaultLogBurst
	}
	return &LogSink{
		logger:  logger.With("component", "diag"),
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		dropped: metrics.DiagDroppedTotal.WithLabelValues("log"),
	}
}

// Record implements Sink.
func (s *LogSink) Record(r Record) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if !s.limiter.Allow() {
		s.dropped.Inc()
		return
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "looking up port",
		slog.Int(core.LabelSourcePort, int(r.SourcePort)))
}
