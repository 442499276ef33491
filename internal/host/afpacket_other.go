//go:build !linux

package host

import (
	"fmt"
	"time"

	"firestige.xyz/portredir/internal/core"
)

// AFPacketConfig configures AF_PACKET ports on one interface.
type AFPacketConfig struct {
	Interface    string
	Workers      int
	FanoutID     int
	SnapLen      int
	BufferSizeMB int
	BlockSizeKB  int
	PollTimeout  time.Duration
	Filter       FilterOptions
}

// OpenAFPacket is only available on Linux.
func OpenAFPacket(cfg AFPacketConfig) ([]Port, error) {
	return nil, fmt.Errorf("%w: afpacket host requires linux", core.ErrConfigInvalid)
}
