package table

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"

	"firestige.xyz/portredir/internal/core"
)

// MapName is the name of the redirection map inside the XDP object.
const MapName = "port_map"

// MapSpec describes the kernel hash map backing an EBPF table: 2-byte
// source port keys, 2-byte destination port values, both in host byte order.
func MapSpec(capacity int) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       MapName,
		Type:       ebpf.Hash,
		KeySize:    2,
		ValueSize:  2,
		MaxEntries: uint32(capacity),
	}
}

// EBPF is a table stored in a kernel BPF hash map, shareable with an XDP
// program and with other processes through a bpffs pin.
type EBPF struct {
	mu       sync.Mutex
	m        *ebpf.Map
	capacity int
	pinPath  string
	ownsPin  bool
	closed   bool
}

// NewEBPF creates a kernel map of the given capacity. With a non-empty
// pinPath an existing pinned map is reused when compatible, otherwise a new
// map is created and pinned there; a pin created here is removed on Close.
func NewEBPF(capacity int, pinPath string) (*EBPF, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: table capacity must be positive, got %d", core.ErrConfigInvalid, capacity)
	}

	if pinPath != "" {
		if _, err := os.Stat(pinPath); err == nil {
			t, err := OpenPinned(pinPath)
			if err != nil {
				return nil, err
			}
			if t.capacity != capacity {
				t.m.Close()
				return nil, fmt.Errorf("%w: pinned map %s has capacity %d, want %d",
					core.ErrConfigInvalid, pinPath, t.capacity, capacity)
			}
			return t, nil
		}
	}

	m, err := ebpf.NewMap(MapSpec(capacity))
	if err != nil {
		return nil, fmt.Errorf("create bpf map: %w", err)
	}

	t := &EBPF{m: m, capacity: capacity}
	if pinPath != "" {
		if err := os.MkdirAll(filepath.Dir(pinPath), 0o755); err != nil {
			m.Close()
			return nil, fmt.Errorf("create pin directory: %w", err)
		}
		if err := m.Pin(pinPath); err != nil {
			m.Close()
			return nil, fmt.Errorf("pin bpf map at %s: %w", pinPath, err)
		}
		t.pinPath = pinPath
		t.ownsPin = true
	}
	return t, nil
}

// OpenPinned opens a map previously pinned by NewEBPF or by a loader.
// Closing the returned table leaves the pin in place.
func OpenPinned(pinPath string) (*EBPF, error) {
	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned map %s: %w", pinPath, err)
	}
	if m.Type() != ebpf.Hash || m.KeySize() != 2 || m.ValueSize() != 2 {
		m.Close()
		return nil, fmt.Errorf("%w: pinned map %s is %s key=%d value=%d, want hash key=2 value=2",
			core.ErrConfigInvalid, pinPath, m.Type(), m.KeySize(), m.ValueSize())
	}
	return &EBPF{m: m, capacity: int(m.MaxEntries()), pinPath: pinPath}, nil
}

// Map exposes the kernel map so an XDP object can share it.
func (t *EBPF) Map() *ebpf.Map {
	return t.m
}

// Lookup implements Lookuper.
func (t *EBPF) Lookup(srcPort uint16) (uint16, bool) {
	var dst uint16
	if err := t.m.Lookup(&srcPort, &dst); err != nil {
		return 0, false
	}
	return dst, true
}

// Put inserts or replaces an entry.
func (t *EBPF) Put(srcPort, dstPort uint16) error {
	if err := validatePorts(srcPort, dstPort); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return core.ErrTableClosed
	}
	if _, exists := t.Lookup(srcPort); !exists && t.count() >= t.capacity {
		return fmt.Errorf("%w: capacity %d", core.ErrTableFull, t.capacity)
	}
	if err := t.m.Update(&srcPort, &dstPort, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update bpf map: %w", err)
	}
	return nil
}

// Delete removes an entry. Deleting an absent key is not an error.
func (t *EBPF) Delete(srcPort uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return core.ErrTableClosed
	}
	if err := t.m.Delete(&srcPort); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("delete from bpf map: %w", err)
	}
	return nil
}

// Entries returns the current entries ordered by source port.
func (t *EBPF) Entries() ([]core.Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, core.ErrTableClosed
	}

	var (
		out      []core.Mapping
		src, dst uint16
	)
	it := t.m.Iterate()
	for it.Next(&src, &dst) {
		out = append(out, core.Mapping{SourcePort: src, DestinationPort: dst})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate bpf map: %w", err)
	}
	sortMappings(out)
	return out, nil
}

// Len returns the number of entries, 0 once closed.
func (t *EBPF) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}
	return t.count()
}

func (t *EBPF) count() int {
	var (
		n        int
		src, dst uint16
	)
	it := t.m.Iterate()
	for it.Next(&src, &dst) {
		n++
	}
	return n
}

// Capacity returns the map's max_entries.
func (t *EBPF) Capacity() int {
	return t.capacity
}

// Close releases the map file descriptor and removes a pin this table created.
func (t *EBPF) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.ownsPin {
		if err := t.m.Unpin(); err != nil {
			errs = append(errs, fmt.Errorf("unpin %s: %w", t.pinPath, err))
		}
	}
	if err := t.m.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
