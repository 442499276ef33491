// Package table implements the bounded source-port redirection table shared
// between the redirector (reader) and its managers (writers).
package table

import (
	"fmt"
	"sort"

	"firestige.xyz/portredir/internal/core"
)

// DefaultCapacity is the number of entries a table holds unless configured otherwise.
const DefaultCapacity = 2

// Lookuper is the read-only view the redirector consumes.
type Lookuper interface {
	// Lookup returns the destination port configured for a TCP source port.
	Lookup(srcPort uint16) (dstPort uint16, ok bool)
}

// Table is a bounded source-port to destination-port map.
// Writes to an existing key replace its value; inserting a new key into a
// full table fails with core.ErrTableFull. After Close every lookup misses.
type Table interface {
	Lookuper

	Put(srcPort, dstPort uint16) error
	Delete(srcPort uint16) error
	Entries() ([]core.Mapping, error)
	Len() int
	Capacity() int
	Close() error
}

// Populate writes every mapping into t, stopping at the first failure.
func Populate(t Table, mappings []core.Mapping) error {
	for _, m := range mappings {
		if err := t.Put(m.SourcePort, m.DestinationPort); err != nil {
			return fmt.Errorf("put %s: %w", m, err)
		}
	}
	return nil
}

func validatePorts(srcPort, dstPort uint16) error {
	if srcPort == 0 {
		return fmt.Errorf("%w: source port 0", core.ErrInvalidPort)
	}
	if dstPort == 0 {
		return fmt.Errorf("%w: destination port 0", core.ErrInvalidPort)
	}
	return nil
}

func sortMappings(m []core.Mapping) {
	sort.Slice(m, func(i, j int) bool { return m[i].SourcePort < m[j].SourcePort })
}
