package tunnel

import "net"

// HeaderVersionV1 is the only defined tunnel header version.
const HeaderVersionV1 uint8 = 1

// HeaderSize is the encoded size of Header in bytes.
const HeaderSize = 1

// Header is the encapsulation prefix TunnelAgent adds ahead of every IPv6
// packet carried over a service tunnel connection (AddTunnelHdrToMsg /
// DecodeTunnelHeader in the original implementation).
type Header struct {
	Version uint8
}

// Encode serializes h to a freshly allocated byte.
func (h Header) Encode() []byte {
	return []byte{h.Version}
}

// DecodeHeader parses a Header from the start of buf and returns the
// remaining packet bytes.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, ErrInvalidPacket
	}
	return Header{Version: buf[0]}, buf[HeaderSize:], nil
}

// Subnet is the 16-bit Weave subnet id embedded in bytes 6-7 of a fabric
// ULA (pkg/fabric.ULA), the same field the original implementation's
// IPAddress::Subnet() reads. TunnelAgent's egress routing decision
// switches on this value.
type Subnet uint16

// Well-known Weave subnet ids, named by role; the numeric assignments
// follow the original implementation.
const (
	SubnetPrimaryWiFi  Subnet = 1
	SubnetService      Subnet = 2
	SubnetThreadMesh   Subnet = 3
	SubnetMobileDevice Subnet = 6
)

func (s Subnet) String() string {
	switch s {
	case SubnetPrimaryWiFi:
		return "PrimaryWiFi"
	case SubnetService:
		return "Service"
	case SubnetThreadMesh:
		return "ThreadMesh"
	case SubnetMobileDevice:
		return "MobileDevice"
	default:
		return "Unknown"
	}
}

// ClassifySubnet reads the subnet id out of a destination fabric ULA.
// addr must be a 16-byte IPv6 address; anything else yields Subnet(0).
func ClassifySubnet(addr net.IP) Subnet {
	ip := addr.To16()
	if ip == nil {
		return 0
	}
	return Subnet(uint16(ip[6])<<8 | uint16(ip[7]))
}

// InterfaceNodeID recovers the NodeID embedded in a fabric ULA's EUI-64
// interface identifier (the inverse of pkg/fabric's eui64FromNode).
func InterfaceNodeID(addr net.IP) uint64 {
	ip := addr.To16()
	if ip == nil {
		return 0
	}
	var v uint64
	for i := 8; i < 16; i++ {
		b := ip[i]
		if i == 8 {
			b ^= 0x02
		}
		v = (v << 8) | uint64(b)
	}
	return v
}
