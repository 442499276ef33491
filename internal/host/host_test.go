package host

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/redirect"
	"firestige.xyz/portredir/internal/redirect/frametest"
	"firestige.xyz/portredir/internal/table"
)

// memPort serves frames from a slice and records writes. The read buffer is
// reused between reads to mimic a ring slot.
type memPort struct {
	mu       sync.Mutex
	frames   [][]byte
	slot     []byte
	written  [][]byte
	writeErr error
	closed   bool
}

func (p *memPort) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil, io.EOF
	}
	p.slot = append(p.slot[:0], p.frames[0]...)
	p.frames = p.frames[1:]
	return p.slot, nil
}

func (p *memPort) WriteFrame(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.written = append(p.written, bytes.Clone(frame))
	return nil
}

func (p *memPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// blockingPort blocks in ReadFrame until ctx is done.
type blockingPort struct{ closed bool }

func (p *blockingPort) ReadFrame(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (p *blockingPort) WriteFrame([]byte) error { return nil }
func (p *blockingPort) Close() error            { p.closed = true; return nil }

type failingPort struct{ memPort }

func (p *failingPort) ReadFrame(context.Context) ([]byte, error) {
	return nil, errors.New("socket gone")
}

func newRedirector(t *testing.T) *redirect.Redirector {
	t.Helper()
	tbl, err := table.NewMemory(2)
	require.NoError(t, err)
	require.NoError(t, tbl.Put(80, 8080))
	t.Cleanup(func() { tbl.Close() })
	return redirect.New(tbl)
}

func tcpDst(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[14+20+2:])
}

func TestDispatcherResubmitsRewrittenFrames(t *testing.T) {
	hit := frametest.TCP4(80, 1000)
	miss := frametest.TCP4(443, 1000)
	udp := frametest.UDP4(80, 1000)
	port := &memPort{frames: [][]byte{hit, miss, udp}}

	d := NewDispatcher("test0", newRedirector(t))
	require.NoError(t, d.Run(context.Background(), []Port{port}))

	require.Len(t, port.written, 1)
	assert.Equal(t, uint16(8080), tcpDst(port.written[0]))
	assert.True(t, port.closed)
	// The port's own frames are not modified.
	assert.Equal(t, uint16(1000), tcpDst(hit))

	st := d.Stats()
	assert.Equal(t, Stats{Frames: 3, Passed: 2, Resubmitted: 1}, st)
}

func TestDispatcherCountsWriteErrors(t *testing.T) {
	port := &memPort{
		frames:   [][]byte{frametest.TCP4(80, 1), frametest.TCP4(80, 2)},
		writeErr: errors.New("tx ring full"),
	}

	d := NewDispatcher("test1", newRedirector(t))
	require.NoError(t, d.Run(context.Background(), []Port{port}))

	st := d.Stats()
	assert.Equal(t, uint64(2), st.Resubmitted)
	assert.Equal(t, uint64(2), st.WriteErrors)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	ports := []Port{&blockingPort{}, &blockingPort{}}
	d := NewDispatcher("test2", newRedirector(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ports) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	for _, p := range ports {
		assert.True(t, p.(*blockingPort).closed)
	}
}

func TestDispatcherReturnsReadError(t *testing.T) {
	other := &blockingPort{}
	d := NewDispatcher("test3", newRedirector(t))

	err := d.Run(context.Background(), []Port{&failingPort{}, other})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket gone")
	assert.True(t, other.closed)
}

func TestDispatcherNoPorts(t *testing.T) {
	d := NewDispatcher("test4", newRedirector(t))
	assert.ErrorIs(t, d.Run(context.Background(), nil), core.ErrHostClosed)
}

func TestDispatcherDropCounted(t *testing.T) {
	tbl, err := table.NewMemory(2)
	require.NoError(t, err)
	r := redirect.New(tbl, redirect.WithTruncatedVerdict(core.VerdictDrop))
	port := &memPort{frames: [][]byte{make([]byte, 10)}}

	d := NewDispatcher("test5", r)
	require.NoError(t, d.Run(context.Background(), []Port{port}))
	assert.Equal(t, uint64(1), d.Stats().Dropped)
	assert.Empty(t, port.written)
}

func TestFilterProgramCandidates(t *testing.T) {
	vm, err := bpf.NewVM(FilterProgram(FilterOptions{Candidates: true}))
	require.NoError(t, err)

	tests := []struct {
		name   string
		frame  []byte
		accept bool
	}{
		{"ipv4 tcp", frametest.TCP4(80, 1000), true},
		{"ipv4 udp", frametest.UDP4(80, 1000), false},
		{"ipv6 tcp", frametest.TCP6(80, 1000), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := vm.Run(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.accept, n > 0)
		})
	}
}

func TestFilterProgramSkipOutgoing(t *testing.T) {
	prog := FilterProgram(FilterOptions{SkipOutgoing: true})
	require.Len(t, prog, 4)
	assert.Equal(t, bpf.LoadExtension{Num: bpf.ExtType}, prog[0])
	assert.Equal(t, bpf.RetConstant{Val: 0}, prog[2])

	raw, err := AssembleFilter(FilterOptions{SkipOutgoing: true, Candidates: true})
	require.NoError(t, err)
	assert.Len(t, raw, 10)
}

func TestFilterProgramEmpty(t *testing.T) {
	assert.Nil(t, FilterProgram(FilterOptions{}))
	raw, err := AssembleFilter(FilterOptions{})
	assert.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRingSize(t *testing.T) {
	tests := []struct {
		bufferMB, blockKB, snapLen int
	}{
		{8, 1024, 65535},
		{8, 1024, 1500},
		{1, 4, 128},
		{64, 4096, 9000},
		{2, 64, 4096},
	}
	for _, tt := range tests {
		frame, block, n, err := ringSize(tt.bufferMB, tt.blockKB, tt.snapLen, 4096)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, frame, tt.snapLen)
		assert.Zero(t, block%4096, "block %d not page aligned", block)
		assert.Zero(t, block%frame, "block %d not a multiple of frame %d", block, frame)
		assert.LessOrEqual(t, block, maxBlockSize+frame)
		assert.GreaterOrEqual(t, n, 1)
	}
}

func TestRingSizeInvalid(t *testing.T) {
	_, _, _, err := ringSize(0, 1024, 1500, 4096)
	assert.Error(t, err)
	_, _, _, err = ringSize(8, 0, 1500, 4096)
	assert.Error(t, err)
	_, _, _, err = ringSize(8, 1024, 0, 4096)
	assert.Error(t, err)
	_, _, _, err = ringSize(8, 1024, 1500, 3000)
	assert.Error(t, err)
}

func writePcap(t *testing.T, frames ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(f),
			Length:        len(f),
		}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return &buf
}

func TestPcapReplay(t *testing.T) {
	in := writePcap(t,
		frametest.TCP4(80, 1000),
		frametest.TCP4(22, 1000),
		frametest.TCP4(80, 2000),
	)
	var out bytes.Buffer

	port, err := NewPcapPort(in, &out)
	require.NoError(t, err)

	d := NewDispatcher("pcap", newRedirector(t))
	require.NoError(t, d.Run(context.Background(), []Port{port}))
	assert.Equal(t, uint64(2), d.Stats().Resubmitted)

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	var got []uint16
	var stamps []time.Time
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, tcpDst(data))
		stamps = append(stamps, ci.Timestamp)
	}
	assert.Equal(t, []uint16{8080, 8080}, got)
	require.Len(t, stamps, 2)
	assert.Equal(t, int64(1700000000), stamps[0].Unix())
}

func TestPcapPortRejectsOtherLinkTypes(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeRaw))

	_, err := NewPcapPort(&buf, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestPcapPortWithoutOutput(t *testing.T) {
	port, err := NewPcapPort(writePcap(t, frametest.TCP4(80, 1)), nil)
	require.NoError(t, err)

	frame, err := port.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.NoError(t, port.WriteFrame(frame))

	_, err = port.ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, port.Close())
	_, err = port.ReadFrame(context.Background())
	assert.ErrorIs(t, err, core.ErrHostClosed)
}
