// Package redirect implements the per-frame port redirection decision.
//
// For every Ethernet/IPv4/TCP frame whose TCP source port is a key of the
// redirection table, the TCP destination port is rewritten in place to the
// table's value and the frame is resubmitted. Everything else passes
// unchanged. No checksum, length or other field is touched.
package redirect

import (
	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/diag"
	"firestige.xyz/portredir/internal/table"
)

// Result describes one decision.
type Result struct {
	Verdict core.Verdict
	Reason  core.Reason
	// SourcePort is set once the TCP header has been read.
	SourcePort uint16
	// DestinationPort is the rewritten destination port on ReasonRedirected.
	DestinationPort uint16
}

// Redirector evaluates frames against a redirection table. It holds no
// per-frame state and is safe for concurrent use.
type Redirector struct {
	table     table.Lookuper
	sink      diag.Sink
	truncated core.Verdict
}

// Option configures a Redirector.
type Option func(*Redirector)

// WithSink sets the diagnostic sink. The default discards records.
func WithSink(s diag.Sink) Option {
	return func(r *Redirector) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithTruncatedVerdict sets the verdict for frames too short for the header
// being read. Only VerdictPass (default) and VerdictDrop are honoured.
func WithTruncatedVerdict(v core.Verdict) Option {
	return func(r *Redirector) {
		if v == core.VerdictDrop {
			r.truncated = core.VerdictDrop
		} else {
			r.truncated = core.VerdictPass
		}
	}
}

// New creates a Redirector reading from t. The table is borrowed; its
// lifecycle stays with the caller.
func New(t table.Lookuper, opts ...Option) *Redirector {
	r := &Redirector{
		table:     t,
		sink:      diag.Discard{},
		truncated: core.VerdictPass,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decide returns the verdict for frame, rewriting it in place on Resubmit.
func (r *Redirector) Decide(frame []byte) core.Verdict {
	return r.Evaluate(frame).Verdict
}

// Evaluate is Decide with the reason and ports that led to the verdict.
func (r *Redirector) Evaluate(frame []byte) Result {
	c := cursor{buf: frame}

	if err := skipLink(&c); err != nil {
		return r.truncatedResult()
	}

	switch err := decodeIPv4(&c); err {
	case nil:
	case errNotIPv4:
		return Result{Verdict: core.VerdictPass, Reason: core.ReasonNotIPv4}
	case errNotTCP:
		return Result{Verdict: core.VerdictPass, Reason: core.ReasonNotTCP}
	default:
		return r.truncatedResult()
	}

	tcp, err := decodeTCP(&c)
	if err != nil {
		return r.truncatedResult()
	}
	src := tcpSourcePort(tcp)

	r.sink.Record(diag.Record{SourcePort: src})

	dst, ok := r.table.Lookup(src)
	if !ok {
		return Result{Verdict: core.VerdictPass, Reason: core.ReasonNoMapping, SourcePort: src}
	}

	setTCPDestinationPort(tcp, dst)
	return Result{
		Verdict:         core.VerdictResubmit,
		Reason:          core.ReasonRedirected,
		SourcePort:      src,
		DestinationPort: dst,
	}
}

func (r *Redirector) truncatedResult() Result {
	return Result{Verdict: r.truncated, Reason: core.ReasonTruncated}
}
