// Package forward mirrors the redirection table as userspace TCP relays: for
// every entry a listener on the source port proxies accepted connections to
// the destination port on the target host. It serves hosts where neither the
// XDP program nor netfilter is available.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/metrics"
)

const (
	DefaultTargetHost  = "127.0.0.1"
	DefaultDialTimeout = 5 * time.Second
)

// Options configures a Forwarder.
type Options struct {
	ListenHost  string // empty = all addresses
	TargetHost  string
	DialTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.TargetHost == "" {
		o.TargetHost = DefaultTargetHost
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}

// Forwarder runs one relay per table entry.
type Forwarder struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	relays map[uint16]*relay
	closed bool
}

// New creates a Forwarder with no relays; call Sync to start them.
func New(opts Options) *Forwarder {
	opts.applyDefaults()
	return &Forwarder{
		opts:   opts,
		logger: slog.Default().With("component", "forward", "target", opts.TargetHost),
		relays: make(map[uint16]*relay),
	}
}

// Sync makes the running relays match mappings. Relays whose entry is gone or
// whose destination changed are stopped; new entries get a listener.
func (f *Forwarder) Sync(mappings []core.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return core.ErrHostClosed
	}

	want := make(map[uint16]uint16, len(mappings))
	for _, m := range mappings {
		want[m.SourcePort] = m.DestinationPort
	}

	for src, r := range f.relays {
		if dst, ok := want[src]; !ok || dst != r.mapping.DestinationPort {
			r.stop()
			delete(f.relays, src)
		}
	}

	var errs []error
	for _, m := range mappings {
		if _, ok := f.relays[m.SourcePort]; ok {
			continue
		}
		r, err := f.start(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.relays[m.SourcePort] = r
	}

	f.logger.Info("forward relays synced", "relays", len(f.relays))
	if len(errs) > 0 {
		return fmt.Errorf("forward: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listening address of the relay for srcPort.
func (f *Forwarder) Addr(srcPort uint16) (net.Addr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.relays[srcPort]
	if !ok {
		return nil, false
	}
	return r.ln.Addr(), true
}

// Close stops every relay and waits for open connections to be torn down.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	for src, r := range f.relays {
		r.stop()
		delete(f.relays, src)
	}
	f.logger.Info("forward relays stopped")
	return nil
}

func (f *Forwarder) start(m core.Mapping) (*relay, error) {
	listenAddr := net.JoinHostPort(f.opts.ListenHost, strconv.Itoa(int(m.SourcePort)))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &relay{
		mapping:     m,
		ln:          ln,
		target:      net.JoinHostPort(f.opts.TargetHost, strconv.Itoa(int(m.DestinationPort))),
		dialTimeout: f.opts.DialTimeout,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      f.logger.With(core.LabelSourcePort, m.SourcePort, core.LabelDestinationPort, m.DestinationPort),
		accepted:    metrics.ForwardConnectionsTotal.WithLabelValues(strconv.Itoa(int(m.SourcePort))),
	}
	go r.serve(ctx)

	r.logger.Info("forward relay listening", "listen", ln.Addr().String(), "dial", r.target)
	return r, nil
}

type relay struct {
	mapping     core.Mapping
	ln          net.Listener
	target      string
	dialTimeout time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
	logger      *slog.Logger
	accepted    prometheus.Counter
}

func (r *relay) stop() {
	r.cancel()
	r.ln.Close()
	<-r.done
}

func (r *relay) serve(ctx context.Context) {
	defer close(r.done)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}

		r.accepted.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handle(ctx, conn)
		}()
	}
}

// handle pipes conn to a fresh connection to the target until either side
// closes or the relay is stopped.
func (r *relay) handle(ctx context.Context, src net.Conn) {
	defer src.Close()

	dialer := net.Dialer{Timeout: r.dialTimeout}
	dst, err := dialer.DialContext(ctx, "tcp", r.target)
	if err != nil {
		r.logger.Warn("dial target failed", "error", err)
		return
	}
	defer dst.Close()

	metrics.ForwardActiveConnections.Inc()
	defer metrics.ForwardActiveConnections.Dec()

	g, gctx := errgroup.WithContext(ctx)
	// A failed direction or a stopped relay tears down both sides.
	stop := context.AfterFunc(gctx, func() {
		src.Close()
		dst.Close()
	})
	defer stop()

	g.Go(func() error { return pipe(dst, src) })
	g.Go(func() error { return pipe(src, dst) })

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		r.logger.Debug("relay connection ended", "error", err)
	}
}

// pipe copies until EOF, then half-closes the writer so the peer sees EOF
// while the other direction keeps flowing.
func pipe(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	return err
}
