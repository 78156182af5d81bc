package tunnel

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openweave-go/weave/pkg/fabric"
)

func TestHeaderRoundTrip(t *testing.T) {
	hdr := Header{Version: HeaderVersionV1}
	encoded := hdr.Encode()
	require.Len(t, encoded, HeaderSize)

	got, rest, err := DecodeHeader(append(encoded, []byte("payload")...))
	require.NoError(t, err)
	require.Equal(t, hdr, got)
	require.Equal(t, []byte("payload"), rest)
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, _, err := DecodeHeader(nil)
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestClassifySubnetAndInterfaceNodeID(t *testing.T) {
	const fabricID fabric.FabricID = 0xAABBCCDDEE
	const nodeID fabric.NodeID = 0x1122334455667788

	addr := fabric.ULA(fabricID, uint16(SubnetThreadMesh), nodeID)
	require.Equal(t, SubnetThreadMesh, ClassifySubnet(addr))
	require.Equal(t, uint64(nodeID), InterfaceNodeID(addr))
}

func TestClassifySubnetShortAddr(t *testing.T) {
	require.Equal(t, Subnet(0), ClassifySubnet(net.IP{1, 2, 3}))
}
