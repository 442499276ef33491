// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Hton16 converts a host-order value to network byte order (most significant byte first).
func Hton16(v uint16) [2]byte {
	return [2]byte{byte(v >> 8), byte(v)}
}

// Ntoh16 converts two on-wire bytes into a host-order value.
func Ntoh16(b [2]byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// ParseMapping parses "src=dst" (or "src:dst") into a Mapping. Port 0 is rejected.
func ParseMapping(s string) (Mapping, error) {
	sep := strings.IndexAny(s, "=:")
	if sep < 0 {
		return Mapping{}, fmt.Errorf("%w: mapping %q must look like src=dst", ErrInvalidPort, s)
	}

	src, err := ParsePort(s[:sep])
	if err != nil {
		return Mapping{}, err
	}
	dst, err := ParsePort(s[sep+1:])
	if err != nil {
		return Mapping{}, err
	}

	return Mapping{SourcePort: src, DestinationPort: dst}, nil
}

// ParsePort parses a decimal TCP port in the range 1-65535.
func ParsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPort, s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: port 0 is reserved", ErrInvalidPort)
	}
	return uint16(v), nil
}
