package redirect

import (
	"errors"

	"firestige.xyz/portredir/internal/core"
)

const (
	ethernetHeaderLen = 14
	ipv4HeaderMinLen  = 20
	tcpHeaderMinLen   = 20

	ipVersion4    = 4
	ipProtoTCP    = 6
	ipv4ProtoOff  = 9
	tcpSrcPortOff = 0
	tcpDstPortOff = 2
)

var (
	errNotIPv4 = errors.New("not ipv4")
	errNotTCP  = errors.New("not tcp")
)

// skipLink steps over the Ethernet header. VLAN tags are not recognised.
func skipLink(c *cursor) error {
	_, err := c.next(ethernetHeaderLen)
	return err
}

// decodeIPv4 checks the version nibble, then the full header and protocol.
func decodeIPv4(c *cursor) error {
	first, err := c.peek(1)
	if err != nil {
		return err
	}
	if first[0]>>4 != ipVersion4 {
		return errNotIPv4
	}

	headerLen := int(first[0]&0x0f) * 4
	if headerLen < ipv4HeaderMinLen {
		return core.ErrTruncatedFrame
	}
	hdr, err := c.next(headerLen)
	if err != nil {
		return err
	}
	if hdr[ipv4ProtoOff] != ipProtoTCP {
		return errNotTCP
	}
	return nil
}

// decodeTCP returns the TCP header; only the fixed 20 bytes are required.
func decodeTCP(c *cursor) ([]byte, error) {
	return c.peek(tcpHeaderMinLen)
}

func tcpSourcePort(tcp []byte) uint16 {
	return core.Ntoh16([2]byte(tcp[tcpSrcPortOff : tcpSrcPortOff+2]))
}

func setTCPDestinationPort(tcp []byte, port uint16) {
	wire := core.Hton16(port)
	copy(tcp[tcpDstPortOff:tcpDstPortOff+2], wire[:])
}
