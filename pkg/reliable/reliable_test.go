package reliable

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openweave-go/weave/pkg/transport"
)

func testPeer() transport.PeerAddress {
	return transport.NewUDPPeerAddress(&net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 5540})
}

func TestParamsTicksRoundsUp(t *testing.T) {
	p := DefaultParams()
	require.Equal(t, uint32(1), p.Ticks(1*time.Millisecond))
	require.Equal(t, uint32(1), p.Ticks(200*time.Millisecond))
	require.Equal(t, uint32(2), p.Ticks(201*time.Millisecond))
	require.Equal(t, uint32(0), p.Ticks(0))
}

func TestRetransTicksSlowThenFast(t *testing.T) {
	p := DefaultParams()
	require.Equal(t, p.Ticks(p.InitialRetransTimeout), p.RetransTicks(false))
	require.Equal(t, p.Ticks(p.ActiveRetransTimeout), p.RetransTicks(true))
}

func TestDecSaturatingNeverUnderflows(t *testing.T) {
	require.Equal(t, uint32(0), DecSaturating(3, 10))
	require.Equal(t, uint32(0), DecSaturating(3, 3))
	require.Equal(t, uint32(2), DecSaturating(5, 3))
}

func TestClockExpireTicksAdvancesByWholeTicksOnly(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewClock(200*time.Millisecond, start)

	require.Equal(t, uint32(0), clock.ExpireTicks(start.Add(100*time.Millisecond)))
	require.Equal(t, uint32(1), clock.ExpireTicks(start.Add(250*time.Millisecond)))
	// 250ms consumed one full tick (200ms); the 50ms remainder carries
	// forward rather than being dropped.
	require.Equal(t, uint32(2), clock.ExpireTicks(start.Add(650*time.Millisecond)))
}

func TestClockExpireTicksNeverGoesBackward(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewClock(200*time.Millisecond, start)
	require.Equal(t, uint32(0), clock.ExpireTicks(start.Add(-time.Second)))
}

func TestTableAddAndRemoveByAck(t *testing.T) {
	table := NewTable(4)
	owner := "exchange-a"
	peer := testPeer()

	_, err := table.Add(owner, 100, []byte("msg"), peer, 2)
	require.NoError(t, err)
	require.Equal(t, 1, table.Count())

	entry, ok := table.RemoveByAck(owner, 100)
	require.True(t, ok)
	require.Equal(t, uint32(100), entry.MsgID)
	require.Equal(t, 0, table.Count())
}

func TestTableRemoveByAckIgnoresOtherOwners(t *testing.T) {
	table := NewTable(4)
	peer := testPeer()
	table.Add("a", 1, nil, peer, 1)
	table.Add("b", 1, nil, peer, 1)

	_, ok := table.RemoveByAck("a", 1)
	require.True(t, ok)
	require.Equal(t, 1, table.Count())
}

func TestTableFullReturnsError(t *testing.T) {
	table := NewTable(1)
	peer := testPeer()
	_, err := table.Add("a", 1, nil, peer, 1)
	require.NoError(t, err)

	_, err = table.Add("b", 2, nil, peer, 1)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestTableTickReturnsDueEntries(t *testing.T) {
	table := NewTable(4)
	peer := testPeer()
	table.Add("a", 1, nil, peer, 3)
	table.Add("b", 2, nil, peer, 1)

	due := table.Tick(1)
	require.Len(t, due, 1)
	require.Equal(t, uint32(2), due[0].MsgID)

	due = table.Tick(2)
	require.Len(t, due, 1)
	require.Equal(t, uint32(1), due[0].MsgID)
}

func TestTableRearmIsIdempotentAcrossCalls(t *testing.T) {
	table := NewTable(4)
	peer := testPeer()
	entry, _ := table.Add("a", 1, nil, peer, 1)

	table.Rearm(entry, 5)
	require.Equal(t, 2, entry.SendCount)
	require.Equal(t, uint32(5), entry.NextRetransTicks)

	// Rearming again before the deadline simply replaces the countdown,
	// it never stacks a second pending timer for the same entry.
	table.Rearm(entry, 5)
	require.Equal(t, 3, entry.SendCount)
	require.Equal(t, uint32(5), entry.NextRetransTicks)
	require.Equal(t, 1, table.Count())
}

func TestTableRemoveByOwner(t *testing.T) {
	table := NewTable(4)
	peer := testPeer()
	table.Add("a", 1, nil, peer, 1)
	table.Add("a", 2, nil, peer, 1)
	table.Add("b", 3, nil, peer, 1)

	removed := table.RemoveByOwner("a")
	require.Len(t, removed, 2)
	require.Equal(t, 1, table.Count())
}

func TestBackoffCalculatorGrowsAfterThreshold(t *testing.T) {
	calc := NewBackoffCalculator(nil)
	base := 300 * time.Millisecond

	min0 := calc.CalculateMin(base, 0)
	min1 := calc.CalculateMin(base, 1)
	min2 := calc.CalculateMin(base, 2)

	// attempts 0 and 1 are both below/at BackoffThreshold, so they share
	// the same linear floor; attempt 2 is past it and grows.
	require.Equal(t, min0, min1)
	require.Greater(t, min2, min1)
}

func TestBackoffCalculatorJitterBounded(t *testing.T) {
	calc := NewBackoffCalculator(nil)
	base := 300 * time.Millisecond

	for attempt := 0; attempt < 4; attempt++ {
		min := calc.CalculateMin(base, attempt)
		max := calc.CalculateMax(base, attempt)
		got := calc.Calculate(base, attempt)
		require.GreaterOrEqual(t, got, min)
		require.LessOrEqual(t, got, max)
	}
}
