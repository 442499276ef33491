package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/table"
)

// MapStore is the part of a redirection table the map commands manage.
type MapStore interface {
	Put(srcPort, dstPort uint16) error
	Delete(srcPort uint16) error
	Entries() ([]core.Mapping, error)
	Capacity() int
	Close() error
}

// openStore opens the pinned map; replaced in tests.
var openStore = func(pinPath string) (MapStore, error) {
	return table.OpenPinned(pinPath)
}

var (
	mapPinPath string
	mapOutput  string
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Manage the pinned eBPF redirection map",
	Long: `Inspect and edit the redirection map a running daemon (or an external
XDP loader) shares through bpffs. Changes take effect on the next frame.`,
}

var mapListCmd = &cobra.Command{
	Use:   "list",
	Short: "List redirection entries",
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(s MapStore) error { return runMapList(os.Stdout, s, mapOutput) })
	},
}

var mapSetCmd = &cobra.Command{
	Use:   "set SRC=DST [SRC=DST...]",
	Short: "Add or replace redirection entries",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(s MapStore) error { return runMapSet(os.Stdout, s, args) })
	},
}

var mapDeleteCmd = &cobra.Command{
	Use:   "delete SRC [SRC...]",
	Short: "Remove redirection entries",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(s MapStore) error { return runMapDelete(os.Stdout, s, args) })
	},
}

func init() {
	mapCmd.PersistentFlags().StringVar(&mapPinPath, "pin", "/sys/fs/bpf/portredir/port_map",
		"bpffs path of the pinned map")
	mapListCmd.Flags().StringVarP(&mapOutput, "output", "o", "table", "output format: table|yaml|json")

	mapCmd.AddCommand(mapListCmd)
	mapCmd.AddCommand(mapSetCmd)
	mapCmd.AddCommand(mapDeleteCmd)
}

func withStore(fn func(MapStore) error) {
	s, err := openStore(mapPinPath)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to open map %s", mapPinPath), err)
	}

	err = fn(s)
	s.Close()
	if err != nil {
		exitWithError("map", err)
	}
}

func runMapList(w io.Writer, s MapStore, format string) error {
	entries, err := s.Entries()
	if err != nil {
		return fmt.Errorf("read entries: %w", err)
	}

	switch format {
	case "json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tDESTINATION")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%d\n", e.SourcePort, e.DestinationPort)
		}
		fmt.Fprintf(tw, "(%d/%d entries)\n", len(entries), s.Capacity())
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

func runMapSet(w io.Writer, s MapStore, args []string) error {
	mappings, err := parseMappings(args)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if err := s.Put(m.SourcePort, m.DestinationPort); err != nil {
			return fmt.Errorf("set %s: %w", m, err)
		}
		fmt.Fprintf(w, "✓ %d -> %d\n", m.SourcePort, m.DestinationPort)
	}
	return nil
}

func runMapDelete(w io.Writer, s MapStore, args []string) error {
	for _, a := range args {
		port, err := core.ParsePort(a)
		if err != nil {
			return err
		}
		if err := s.Delete(port); err != nil {
			return fmt.Errorf("delete %d: %w", port, err)
		}
		fmt.Fprintf(w, "✓ %d removed\n", port)
	}
	return nil
}
