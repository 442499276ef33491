package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/redirect/frametest"
)

func TestParseMappings(t *testing.T) {
	got, err := parseMappings([]string{"80=8080", "81:8081"})
	require.NoError(t, err)
	assert.Equal(t, []core.Mapping{
		{SourcePort: 80, DestinationPort: 8080},
		{SourcePort: 81, DestinationPort: 8081},
	}, got)

	_, err = parseMappings([]string{"80"})
	assert.Error(t, err)
}

func TestMemoryTable_GrowsToFit(t *testing.T) {
	tbl, err := memoryTable([]core.Mapping{
		{SourcePort: 80, DestinationPort: 1},
		{SourcePort: 81, DestinationPort: 2},
		{SourcePort: 82, DestinationPort: 3},
	}, 0)
	require.NoError(t, err)
	defer tbl.Close()

	assert.Equal(t, 3, tbl.Capacity())
	dst, ok := tbl.Lookup(82)
	assert.True(t, ok)
	assert.Equal(t, uint16(3), dst)

	empty, err := memoryTable(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, empty.Capacity())
}

func TestDecodeHexFrame(t *testing.T) {
	b, err := decodeHexFrame("0x0a:0b 0c\n0d")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, b)

	_, err = decodeHexFrame("zz")
	assert.Error(t, err)
}

func TestTruncatedVerdict(t *testing.T) {
	v, err := truncatedVerdict("")
	assert.NoError(t, err)
	assert.Equal(t, core.VerdictPass, v)

	v, err = truncatedVerdict("drop")
	assert.NoError(t, err)
	assert.Equal(t, core.VerdictDrop, v)

	_, err = truncatedVerdict("resubmit")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = truncatedVerdict("reject")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRunDecide_Redirected(t *testing.T) {
	frame := frametest.TCP4(80, 443)

	var buf bytes.Buffer
	err := runDecide(&buf, []string{"80=8080"}, hex.EncodeToString(frame), "pass")
	require.NoError(t, err)

	want := append([]byte(nil), frame...)
	want[36], want[37] = 0x1f, 0x90

	out := buf.String()
	assert.Contains(t, out, "verdict: resubmit")
	assert.Contains(t, out, "xdp_action: 3")
	assert.Contains(t, out, "reason: redirected")
	assert.Contains(t, out, "source_port: 80")
	assert.Contains(t, out, "destination_port: 8080")
	assert.Contains(t, out, "frame: "+hex.EncodeToString(want))
}

func TestRunDecide_NotApplicable(t *testing.T) {
	tests := []struct {
		name   string
		frame  []byte
		policy string
		want   string
	}{
		{name: "udp", frame: frametest.UDP4(80, 443), policy: "pass", want: "reason: not-tcp"},
		{name: "ipv6", frame: frametest.TCP6(80, 443), policy: "pass", want: "reason: not-ipv4"},
		{name: "no mapping", frame: frametest.TCP4(22, 443), policy: "pass", want: "reason: no-mapping"},
		{name: "truncated pass", frame: frametest.TCP4(80, 443)[:40], policy: "pass", want: "verdict: pass"},
		{name: "truncated drop", frame: frametest.TCP4(80, 443)[:40], policy: "drop", want: "verdict: drop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := runDecide(&buf, []string{"80=8080"}, hex.EncodeToString(tt.frame), tt.policy)
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.want)
			assert.Contains(t, buf.String(), "frame: "+hex.EncodeToString(tt.frame))
		})
	}
}

func TestRunDecide_BadInput(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, runDecide(&buf, []string{"80=x"}, "00", "pass"))
	assert.Error(t, runDecide(&buf, nil, "00", "reject"))
	assert.Error(t, runDecide(&buf, nil, "0g", "pass"))
}

func writePcap(t *testing.T, path string, frames ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
}

func readPcap(t *testing.T, path string) [][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	var out [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		out = append(out, data)
	}
	return out
}

func TestRunReplay(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	writePcap(t, in,
		frametest.TCP4(80, 443),
		frametest.TCP4(22, 443),
		frametest.UDP4(80, 443),
		frametest.TCP4(81, 443),
		frametest.TCP4(80, 443)[:30],
	)

	var buf bytes.Buffer
	err := runReplay(context.Background(), &buf, in, out, []string{"80=8080", "81=8081"}, "drop")
	require.NoError(t, err)

	report := buf.String()
	assert.Contains(t, report, "frames: 5")
	assert.Contains(t, report, "passed: 2")
	assert.Contains(t, report, "dropped: 1")
	assert.Contains(t, report, "resubmitted: 2")
	assert.Contains(t, report, "written to "+out)

	written := readPcap(t, out)
	require.Len(t, written, 2)
	assert.Equal(t, []byte{0x1f, 0x90}, written[0][36:38])
	assert.Equal(t, []byte{0x1f, 0x91}, written[1][36:38])
}

func TestRunReplay_MissingInput(t *testing.T) {
	var buf bytes.Buffer
	err := runReplay(context.Background(), &buf, filepath.Join(t.TempDir(), "none.pcap"), "", nil, "pass")
	assert.Error(t, err)
}

func TestRunValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portredir.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
portredir:
  table:
    capacity: 2
    entries:
      - source_port: 80
        destination_port: 8080
  host:
    mode: none
`), 0644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(&buf, path))

	out := buf.String()
	assert.Contains(t, out, "VALID: 1 of 2 table entries, host none")
	assert.Contains(t, out, "source_port: 80")
	assert.Contains(t, out, "destination_port: 8080")
}

func TestRunValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portredir.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
portredir:
  table:
    capacity: 1
    entries:
      - {source_port: 80, destination_port: 8080}
      - {source_port: 81, destination_port: 8081}
  host:
    mode: none
`), 0644))

	var buf bytes.Buffer
	err := runValidate(&buf, path)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRunStatusAndStop_NotRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "portredir.pid")

	var buf bytes.Buffer
	require.NoError(t, runStatus(&buf, pidFile))
	assert.Contains(t, buf.String(), "stopped")

	buf.Reset()
	require.NoError(t, runStop(&buf, pidFile, time.Second))
	assert.Contains(t, buf.String(), "daemon is not running")
}

func TestRunStatus_Running(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "portredir.pid")
	pid := os.Getpid()
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644))

	var buf bytes.Buffer
	require.NoError(t, runStatus(&buf, pidFile))
	assert.Contains(t, buf.String(), "running (pid "+strconv.Itoa(pid)+")")
}
