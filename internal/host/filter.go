package host

import (
	"fmt"

	"golang.org/x/net/bpf"
)

const (
	// packetOutgoing is PACKET_OUTGOING from linux/if_packet.h.
	packetOutgoing = 4
	// acceptAll keeps the whole frame.
	acceptAll = 0x40000

	ipVersionOff = 14
	ipProtoOff   = 14 + 9
)

// FilterOptions selects which parts of the socket filter are emitted.
type FilterOptions struct {
	// SkipOutgoing rejects frames the host sent itself, so resubmitted
	// frames are not read back.
	SkipOutgoing bool
	// Candidates keeps only frames with an IPv4 version nibble and TCP
	// protocol at the offsets the redirector reads.
	Candidates bool
}

// FilterProgram returns the classic BPF program for opts, or nil when no
// filtering is requested.
func FilterProgram(opts FilterOptions) []bpf.Instruction {
	if !opts.SkipOutgoing && !opts.Candidates {
		return nil
	}

	var prog []bpf.Instruction
	if opts.SkipOutgoing {
		prog = append(prog,
			bpf.LoadExtension{Num: bpf.ExtType},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: packetOutgoing, SkipTrue: 1},
			bpf.RetConstant{Val: 0},
		)
	}
	if opts.Candidates {
		prog = append(prog,
			bpf.LoadAbsolute{Off: ipVersionOff, Size: 1},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x40, SkipFalse: 2},
			bpf.LoadAbsolute{Off: ipProtoOff, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipTrue: 1},
			bpf.RetConstant{Val: 0},
		)
	}
	return append(prog, bpf.RetConstant{Val: acceptAll})
}

// AssembleFilter assembles the program for opts.
func AssembleFilter(opts FilterOptions) ([]bpf.RawInstruction, error) {
	prog := FilterProgram(opts)
	if prog == nil {
		return nil, nil
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("assemble socket filter: %w", err)
	}
	return raw, nil
}
