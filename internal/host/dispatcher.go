package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/metrics"
	"firestige.xyz/portredir/internal/redirect"
)

// Stats counts what a Dispatcher has done since it was created.
type Stats struct {
	Frames      uint64
	Passed      uint64
	Dropped     uint64
	Resubmitted uint64
	WriteErrors uint64
}

// Dispatcher feeds frames from a set of ports through a Redirector. Each port
// gets its own worker goroutine and its own scratch buffer.
type Dispatcher struct {
	name     string
	r        *redirect.Redirector
	counters *metrics.FrameCounters
	writeErr prometheus.Counter
	logger   *slog.Logger

	frames      atomic.Uint64
	passed      atomic.Uint64
	dropped     atomic.Uint64
	resubmitted atomic.Uint64
	writeErrors atomic.Uint64
}

// NewDispatcher creates a dispatcher. name labels metrics and logs, usually
// the interface name.
func NewDispatcher(name string, r *redirect.Redirector) *Dispatcher {
	return &Dispatcher{
		name:     name,
		r:        r,
		counters: metrics.NewFrameCounters(),
		writeErr: metrics.HostWriteErrorsTotal.WithLabelValues(name),
		logger:   slog.Default().With("component", "host", core.LabelInterface, name),
	}
}

// Run starts one worker per port and blocks until ctx is done, every port is
// exhausted or a port fails. Ports are closed by their worker on exit.
func (d *Dispatcher) Run(ctx context.Context, ports []Port) error {
	if len(ports) == 0 {
		return fmt.Errorf("%w: no ports to run", core.ErrHostClosed)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range ports {
		i, p := i, p
		g.Go(func() error {
			return d.worker(gctx, i, p)
		})
	}

	d.logger.Info("dispatcher started", "workers", len(ports))
	err := g.Wait()
	d.logger.Info("dispatcher stopped",
		"frames", d.frames.Load(),
		"resubmitted", d.resubmitted.Load(),
		"write_errors", d.writeErrors.Load())
	return err
}

func (d *Dispatcher) worker(ctx context.Context, id int, p Port) (err error) {
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("worker %d: close port: %w", id, cerr)
		}
	}()

	scratch := make([]byte, 0, 65536)
	for {
		frame, rerr := p.ReadFrame(ctx)
		if rerr != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(rerr, io.EOF), errors.Is(rerr, core.ErrHostClosed):
				return nil
			default:
				return fmt.Errorf("worker %d: read frame: %w", id, rerr)
			}
		}

		// The port's buffer may be a shared ring slot; rewrite a private copy.
		scratch = append(scratch[:0], frame...)
		d.Process(p, scratch)
	}
}

// Process evaluates one frame and acts on the verdict. Pass and Drop leave
// the frame to the kernel path; Resubmit writes the rewritten frame to p.
func (d *Dispatcher) Process(p Port, frame []byte) redirect.Result {
	res := d.r.Evaluate(frame)
	d.counters.Inc(res.Verdict, res.Reason)
	d.frames.Add(1)

	switch res.Verdict {
	case core.VerdictResubmit:
		d.resubmitted.Add(1)
		if err := p.WriteFrame(frame); err != nil {
			d.writeErrors.Add(1)
			d.writeErr.Inc()
			d.logger.Warn("resubmit failed",
				core.LabelSourcePort, res.SourcePort,
				core.LabelDestinationPort, res.DestinationPort,
				"error", err)
		}
	case core.VerdictDrop:
		d.dropped.Add(1)
	default:
		d.passed.Add(1)
	}
	return res
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Frames:      d.frames.Load(),
		Passed:      d.passed.Load(),
		Dropped:     d.dropped.Load(),
		Resubmitted: d.resubmitted.Load(),
		WriteErrors: d.writeErrors.Load(),
	}
}
