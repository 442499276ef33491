package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/portredir/internal/diag"
	"firestige.xyz/portredir/internal/host"
	"firestige.xyz/portredir/internal/redirect"
)

var (
	replayIn        string
	replayOut       string
	replayMaps      []string
	replayTruncated string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the redirector over a pcap file",
	Long: `Run the redirector over every frame of a pcap capture (Ethernet link
type). Resubmitted frames, with their destination port rewritten, are written
to the output pcap.

Examples:
  portredir replay -i capture.pcap -o redirected.pcap --map 80=8080 --map 81=8081`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runReplay(cmd.Context(), os.Stdout, replayIn, replayOut, replayMaps, replayTruncated); err != nil {
			exitWithError("replay", err)
		}
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayIn, "input", "i", "", "input pcap file (required)")
	replayCmd.Flags().StringVarP(&replayOut, "output", "o", "", "output pcap for resubmitted frames")
	replayCmd.Flags().StringArrayVarP(&replayMaps, "map", "m", nil, "redirection entry src=dst (repeatable)")
	replayCmd.Flags().StringVar(&replayTruncated, "truncated-policy", "pass", "verdict for truncated frames: pass|drop")
	replayCmd.MarkFlagRequired("input")
}

func runReplay(ctx context.Context, w io.Writer, in, out string, maps []string, policy string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mappings, err := parseMappings(maps)
	if err != nil {
		return err
	}
	verdict, err := truncatedVerdict(policy)
	if err != nil {
		return err
	}

	tbl, err := memoryTable(mappings, 0)
	if err != nil {
		return err
	}
	defer tbl.Close()

	port, err := host.OpenPcapFiles(in, out)
	if err != nil {
		return err
	}

	r := redirect.New(tbl,
		redirect.WithSink(diag.Discard{}),
		redirect.WithTruncatedVerdict(verdict),
	)
	d := host.NewDispatcher("replay", r)
	if err := d.Run(ctx, []host.Port{port}); err != nil {
		return err
	}

	st := d.Stats()
	fmt.Fprintf(w, "frames: %d\npassed: %d\ndropped: %d\nresubmitted: %d\n",
		st.Frames, st.Passed, st.Dropped, st.Resubmitted)
	if out != "" {
		fmt.Fprintf(w, "written to %s\n", out)
	}
	return nil
}
