// Package host runs the redirector against frames delivered by a userspace
// host: an AF_PACKET socket on a live interface or a pcap file.
package host

import (
	"context"
)

// Port is one source of frames with a way to send a frame back out.
// A Port is used by a single worker goroutine.
type Port interface {
	// ReadFrame blocks until a frame arrives, ctx is done or the port is
	// exhausted (io.EOF). The returned slice is only valid until the next
	// ReadFrame call.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame transmits frame out of the port.
	WriteFrame(frame []byte) error
	Close() error
}
