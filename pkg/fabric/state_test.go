package fabric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestULADeterministic(t *testing.T) {
	a := ULA(0x1122334455667788, 0, 0x0011223344556677)
	b := ULA(0x1122334455667788, 0, 0x0011223344556677)
	require.Equal(t, a, b)
	require.Equal(t, byte(0xFD), a[0])
}

func TestULAVariesWithSubnetAndNode(t *testing.T) {
	base := ULA(1, 0, 1)
	diffSubnet := ULA(1, 1, 1)
	diffNode := ULA(1, 0, 2)
	require.NotEqual(t, base, diffSubnet)
	require.NotEqual(t, base, diffNode)
}

func TestNextMessageIDMonotonic(t *testing.T) {
	s := NewState(1, 1, 0)
	first := s.NextMessageID(KeyIDNone)
	second := s.NextMessageID(KeyIDNone)
	require.Equal(t, first+1, second)
}

func TestNextMessageIDPerKeyIndependent(t *testing.T) {
	s := NewState(1, 1, 0)
	a := s.NextMessageID(1)
	b := s.NextMessageID(2)
	require.Equal(t, a, b) // independent counters both start at 1
}

func TestSelectNodeAddressPrefersKnown(t *testing.T) {
	s := NewState(1, 1, 0)
	derived := s.SelectNodeAddress(2)
	require.Equal(t, ULA(1, 0, 2), derived)

	known := ULA(9, 9, 9)
	s.NoteObservedAddress(2, known, 1234)
	require.Equal(t, known, s.SelectNodeAddress(2))
}

func TestReceiveWindowRejectsReplay(t *testing.T) {
	w := NewReceiveWindow(32)
	require.True(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 100))
	require.False(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 100))
}

func TestReceiveWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	w := NewReceiveWindow(32)
	require.True(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 100))
	require.True(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 98))
	require.False(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 98))
	require.True(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 105))
}

func TestReceiveWindowRejectsTooOld(t *testing.T) {
	w := NewReceiveWindow(32)
	require.True(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 1000))
	require.False(t, w.IsAuthenticMessageFromPeer(1, KeyIDNone, 900))
}
