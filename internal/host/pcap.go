package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/portredir/internal/core"
)

// PcapPort replays frames from a pcap stream. Resubmitted frames are
// appended to an output pcap with the timestamp of the frame they replace.
type PcapPort struct {
	r      *pcapgo.Reader
	w      *pcapgo.Writer
	last   gopacket.CaptureInfo
	closer []io.Closer
}

// NewPcapPort reads Ethernet frames from in and writes resubmitted frames to
// out. out may be nil to discard them.
func NewPcapPort(in io.Reader, out io.Writer) (*PcapPort, error) {
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("open pcap reader: %w", err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%w: unsupported pcap link type %s", core.ErrConfigInvalid, r.LinkType())
	}

	p := &PcapPort{r: r}
	if out != nil {
		p.w = pcapgo.NewWriter(out)
		if err := p.w.WriteFileHeader(r.Snaplen(), layers.LinkTypeEthernet); err != nil {
			return nil, fmt.Errorf("write pcap header: %w", err)
		}
	}
	return p, nil
}

// OpenPcapFiles opens inPath for reading and, when outPath is not empty,
// creates outPath for the resubmitted frames.
func OpenPcapFiles(inPath, outPath string) (*PcapPort, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inPath, err)
	}

	var out *os.File
	if outPath != "" {
		out, err = os.Create(outPath)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("create %s: %w", outPath, err)
		}
	}

	var w io.Writer
	if out != nil {
		w = out
	}
	p, err := NewPcapPort(in, w)
	if err != nil {
		in.Close()
		if out != nil {
			out.Close()
		}
		return nil, err
	}
	p.closer = append(p.closer, in)
	if out != nil {
		p.closer = append(p.closer, out)
	}
	return p, nil
}

// ReadFrame implements Port. It returns io.EOF at the end of the capture.
func (p *PcapPort) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.r == nil {
		return nil, core.ErrHostClosed
	}
	data, ci, err := p.r.ZeroCopyReadPacketData()
	if err != nil {
		return nil, err
	}
	p.last = ci
	return data, nil
}

// WriteFrame implements Port.
func (p *PcapPort) WriteFrame(frame []byte) error {
	if p.w == nil {
		return nil
	}
	ci := p.last
	if ci.Timestamp.IsZero() {
		ci.Timestamp = time.Now()
	}
	ci.CaptureLength = len(frame)
	if ci.Length < len(frame) {
		ci.Length = len(frame)
	}
	return p.w.WritePacket(ci, frame)
}

// Close implements Port.
func (p *PcapPort) Close() error {
	p.r = nil
	var first error
	for _, c := range p.closer {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.closer = nil
	return first
}
