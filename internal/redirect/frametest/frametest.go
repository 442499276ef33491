// Package frametest builds Ethernet frames for redirector and host tests.
package frametest

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	srcIP4 = net.IP{192, 168, 1, 10}
	dstIP4 = net.IP{192, 168, 1, 20}
)

var payload = gopacket.Payload("portredir")

// TCP4 returns an Ethernet/IPv4/TCP frame with the given ports and valid
// checksums.
func TCP4(srcPort, dstPort uint16) []byte {
	eth, ip := ipv4Base(layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     1000,
		Ack:     2000,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, tcp, payload)
}

// TCP4Options is TCP4 with a 24-byte IPv4 header (one NOP/EOL option word).
func TCP4Options(srcPort, dstPort uint16) []byte {
	eth, ip := ipv4Base(layers.IPProtocolTCP)
	ip.Options = []layers.IPv4Option{{OptionType: 1}, {OptionType: 1}, {OptionType: 1}, {OptionType: 0}}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     1,
		SYN:     true,
		Window:  1024,
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, tcp)
}

// UDP4 returns an Ethernet/IPv4/UDP frame.
func UDP4(srcPort, dstPort uint16) []byte {
	eth, ip := ipv4Base(layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, udp, payload)
}

// TCP6 returns an Ethernet/IPv6/TCP frame.
func TCP6(srcPort, dstPort uint16) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("fd00::1"),
		DstIP:      net.ParseIP("fd00::2"),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Window:  1024,
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, tcp, payload)
}

func ipv4Base(proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: proto,
		SrcIP:    srcIP4,
		DstIP:    dstIP4,
	}
	return eth, ip
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}
