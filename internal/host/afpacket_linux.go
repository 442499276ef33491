//go:build linux

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"

	"firestige.xyz/portredir/internal/core"
)

// AFPacketConfig configures AF_PACKET ports on one interface.
type AFPacketConfig struct {
	Interface    string
	Workers      int
	FanoutID     int
	SnapLen      int
	BufferSizeMB int // per worker
	BlockSizeKB  int
	PollTimeout  time.Duration
	Filter       FilterOptions
}

// AFPacketPort is a TPACKET_V3 socket bound to one interface. Frames are
// read zero-copy from the ring; resubmitted frames are sent on the same
// socket.
type AFPacketPort struct {
	iface  string
	handle *afpacket.TPacket
}

// OpenAFPacket opens cfg.Workers sockets on cfg.Interface. With more than one
// worker the sockets join a hash fanout group so each flow lands on one worker.
func OpenAFPacket(cfg AFPacketConfig) ([]Port, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("%w: afpacket: interface is required", core.ErrConfigInvalid)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}

	frameSize, blockSize, numBlocks, err := ringSize(cfg.BufferSizeMB, cfg.BlockSizeKB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("afpacket: ring size: %w", err)
	}

	filter, err := AssembleFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}

	ports := make([]Port, 0, cfg.Workers)
	closeAll := func() {
		for _, p := range ports {
			p.Close()
		}
	}

	for i := 0; i < cfg.Workers; i++ {
		handle, err := afpacket.NewTPacket(
			afpacket.OptInterface(cfg.Interface),
			afpacket.OptFrameSize(frameSize),
			afpacket.OptBlockSize(blockSize),
			afpacket.OptNumBlocks(numBlocks),
			afpacket.OptPollTimeout(cfg.PollTimeout),
			afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
		)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create TPacket handle on %s: %w", cfg.Interface, err)
		}
		ports = append(ports, &AFPacketPort{iface: cfg.Interface, handle: handle})

		if filter != nil {
			if err := handle.SetBPF(filter); err != nil {
				closeAll()
				return nil, fmt.Errorf("failed to set BPF: %w", err)
			}
		}
		if cfg.Workers > 1 {
			if err := handle.SetFanout(afpacket.FanoutHash, uint16(cfg.FanoutID)); err != nil {
				closeAll()
				return nil, fmt.Errorf("failed to set fanout: %w", err)
			}
		}
	}

	slog.Info("afpacket ports opened",
		"interface", cfg.Interface,
		"workers", cfg.Workers,
		"fanout_id", cfg.FanoutID,
		"frame_size", frameSize,
		"block_size", blockSize,
		"num_blocks", numBlocks,
		"skip_outgoing", cfg.Filter.SkipOutgoing,
		"prefilter", cfg.Filter.Candidates)

	return ports, nil
}

// ReadFrame implements Port. Poll timeouts are retried until ctx is done.
func (p *AFPacketPort) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.handle == nil {
			return nil, core.ErrHostClosed
		}

		data, _, err := p.handle.ZeroCopyReadPacketData()
		if err == nil {
			return data, nil
		}
		if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
}

// WriteFrame implements Port.
func (p *AFPacketPort) WriteFrame(frame []byte) error {
	if p.handle == nil {
		return core.ErrHostClosed
	}
	return p.handle.WritePacketData(frame)
}

// Close implements Port. It must not run concurrently with ReadFrame.
func (p *AFPacketPort) Close() error {
	if p.handle != nil {
		p.handle.Close()
		p.handle = nil
	}
	return nil
}
