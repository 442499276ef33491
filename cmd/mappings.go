package cmd

import (
	"fmt"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/table"
)

// parseMappings parses repeated --map src=dst flags.
func parseMappings(specs []string) ([]core.Mapping, error) {
	out := make([]core.Mapping, 0, len(specs))
	for _, s := range specs {
		m, err := core.ParseMapping(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// memoryTable builds an in-memory table holding mappings. The capacity grows
// to fit when more mappings than capacity are given on the command line.
func memoryTable(mappings []core.Mapping, capacity int) (*table.Memory, error) {
	if capacity < len(mappings) {
		capacity = len(mappings)
	}
	if capacity < 1 {
		capacity = table.DefaultCapacity
	}
	t, err := table.NewMemory(capacity)
	if err != nil {
		return nil, err
	}
	if err := table.Populate(t, mappings); err != nil {
		t.Close()
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	return t, nil
}
