package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/redirect"
)

var (
	decideMaps      []string
	decideFrame     string
	decideTruncated string
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Evaluate one hex-encoded frame",
	Long: `Run the redirector once over a single Ethernet frame given as hex and
print the verdict, the reason and the resulting frame.

Examples:
  portredir decide --map 80=8080 --frame 0200...`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDecide(os.Stdout, decideMaps, decideFrame, decideTruncated); err != nil {
			exitWithError("decide", err)
		}
	},
}

func init() {
	decideCmd.Flags().StringArrayVarP(&decideMaps, "map", "m", nil,
		"redirection entry src=dst (repeatable)")
	decideCmd.Flags().StringVarP(&decideFrame, "frame", "f", "",
		"frame as hex, whitespace and colons ignored (required)")
	decideCmd.Flags().StringVar(&decideTruncated, "truncated-policy", "pass",
		"verdict for truncated frames: pass|drop")
	decideCmd.MarkFlagRequired("frame")
}

func decodeHexFrame(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\t', '\r', ':':
			return -1
		}
		return r
	}, s)
	clean = strings.TrimPrefix(clean, "0x")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex frame: %w", err)
	}
	return b, nil
}

func truncatedVerdict(policy string) (core.Verdict, error) {
	if policy == "" {
		return core.VerdictPass, nil
	}
	v, err := core.ParseVerdict(policy)
	if err != nil || v == core.VerdictResubmit {
		return core.VerdictPass, fmt.Errorf("%w: truncated policy %q (must be pass/drop)", core.ErrConfigInvalid, policy)
	}
	return v, nil
}

func runDecide(w io.Writer, maps []string, frameHex, policy string) error {
	mappings, err := parseMappings(maps)
	if err != nil {
		return err
	}
	verdict, err := truncatedVerdict(policy)
	if err != nil {
		return err
	}
	frame, err := decodeHexFrame(frameHex)
	if err != nil {
		return err
	}

	tbl, err := memoryTable(mappings, 0)
	if err != nil {
		return err
	}
	defer tbl.Close()

	res := redirect.New(tbl, redirect.WithTruncatedVerdict(verdict)).Evaluate(frame)

	fmt.Fprintf(w, "verdict: %s\n", res.Verdict)
	fmt.Fprintf(w, "xdp_action: %d\n", res.Verdict.XDPAction())
	fmt.Fprintf(w, "reason: %s\n", res.Reason)
	if res.Reason == core.ReasonNoMapping || res.Reason == core.ReasonRedirected {
		fmt.Fprintf(w, "source_port: %d\n", res.SourcePort)
	}
	if res.Reason == core.ReasonRedirected {
		fmt.Fprintf(w, "destination_port: %d\n", res.DestinationPort)
	}
	fmt.Fprintf(w, "frame: %s\n", hex.EncodeToString(frame))
	return nil
}
