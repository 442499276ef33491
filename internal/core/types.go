// Package core defines core types with zero external dependencies.
package core

import "fmt"

// Verdict is the decision returned for one frame.
type Verdict uint8

const (
	// VerdictPass lets the frame continue up the normal receive path untouched.
	VerdictPass Verdict = iota
	// VerdictDrop discards the frame.
	VerdictDrop
	// VerdictResubmit sends the (possibly rewritten) frame back out of the
	// interface it arrived on.
	VerdictResubmit
)

// XDP action codes as defined by the kernel's enum xdp_action.
const (
	xdpAborted = 0
	xdpDrop    = 1
	xdpPass    = 2
	xdpTX      = 3
)

// String returns the verdict name used in logs and metric labels.
func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictDrop:
		return "drop"
	case VerdictResubmit:
		return "resubmit"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// XDPAction translates the verdict into the integer an XDP host expects.
// Unknown verdicts map to XDP_ABORTED.
func (v Verdict) XDPAction() uint32 {
	switch v {
	case VerdictPass:
		return xdpPass
	case VerdictDrop:
		return xdpDrop
	case VerdictResubmit:
		return xdpTX
	default:
		return xdpAborted
	}
}

// ParseVerdict is the inverse of Verdict.String.
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "pass":
		return VerdictPass, nil
	case "drop":
		return VerdictDrop, nil
	case "resubmit":
		return VerdictResubmit, nil
	default:
		return VerdictPass, fmt.Errorf("unknown verdict %q", s)
	}
}

// Reason explains which branch of the decision produced a verdict.
type Reason uint8

const (
	ReasonNotIPv4 Reason = iota
	ReasonNotTCP
	ReasonNoMapping
	ReasonRedirected
	ReasonTruncated
)

// String returns the reason name used in logs and metric labels.
func (r Reason) String() string {
	switch r {
	case ReasonNotIPv4:
		return "not-ipv4"
	case ReasonNotTCP:
		return "not-tcp"
	case ReasonNoMapping:
		return "no-mapping"
	case ReasonRedirected:
		return "redirected"
	case ReasonTruncated:
		return "truncated"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Mapping is one redirection table entry.
type Mapping struct {
	SourcePort      uint16 `json:"source_port" yaml:"source_port"`
	DestinationPort uint16 `json:"destination_port" yaml:"destination_port"`
}

// String renders the mapping as "src=dst".
func (m Mapping) String() string {
	return fmt.Sprintf("%d=%d", m.SourcePort, m.DestinationPort)
}
