package table

import (
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/portredir/internal/core"
)

// Memory is an in-process table. Readers load an immutable snapshot without
// locking; writers serialize on mu and publish a fresh copy.
type Memory struct {
	mu       sync.Mutex
	snap     atomic.Pointer[map[uint16]uint16] // nil once closed
	capacity int
}

// NewMemory creates an empty table holding at most capacity entries.
func NewMemory(capacity int) (*Memory, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: table capacity must be positive, got %d", core.ErrConfigInvalid, capacity)
	}

	t := &Memory{capacity: capacity}
	empty := make(map[uint16]uint16, capacity)
	t.snap.Store(&empty)
	return t, nil
}

// Lookup implements Lookuper.
func (t *Memory) Lookup(srcPort uint16) (uint16, bool) {
	p := t.snap.Load()
	if p == nil {
		return 0, false
	}
	dst, ok := (*p)[srcPort]
	return dst, ok
}

// Put inserts or replaces an entry.
func (t *Memory) Put(srcPort, dstPort uint16) error {
	if err := validatePorts(srcPort, dstPort); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	if cur == nil {
		return core.ErrTableClosed
	}
	if _, exists := (*cur)[srcPort]; !exists && len(*cur) >= t.capacity {
		return fmt.Errorf("%w: capacity %d", core.ErrTableFull, t.capacity)
	}

	next := make(map[uint16]uint16, t.capacity)
	for k, v := range *cur {
		next[k] = v
	}
	next[srcPort] = dstPort
	t.snap.Store(&next)
	return nil
}

// Delete removes an entry. Deleting an absent key is not an error.
func (t *Memory) Delete(srcPort uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	if cur == nil {
		return core.ErrTableClosed
	}
	if _, exists := (*cur)[srcPort]; !exists {
		return nil
	}

	next := make(map[uint16]uint16, t.capacity)
	for k, v := range *cur {
		if k != srcPort {
			next[k] = v
		}
	}
	t.snap.Store(&next)
	return nil
}

// Entries returns the current entries ordered by source port.
func (t *Memory) Entries() ([]core.Mapping, error) {
	cur := t.snap.Load()
	if cur == nil {
		return nil, core.ErrTableClosed
	}

	out := make([]core.Mapping, 0, len(*cur))
	for k, v := range *cur {
		out = append(out, core.Mapping{SourcePort: k, DestinationPort: v})
	}
	sortMappings(out)
	return out, nil
}

// Len returns the number of entries, 0 once closed.
func (t *Memory) Len() int {
	cur := t.snap.Load()
	if cur == nil {
		return 0
	}
	return len(*cur)
}

// Capacity returns the fixed capacity.
func (t *Memory) Capacity() int {
	return t.capacity
}

// Close releases the table. It is safe to call more than once.
func (t *Memory) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Store(nil)
	return nil
}
