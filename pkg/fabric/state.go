package fabric

import (
	"net"
	"sync"
)

// KeyID identifies a message-encryption key. KeyIDNone means cleartext.
type KeyID uint16

// KeyIDNone is the cleartext sentinel.
const KeyIDNone KeyID = 0xFFFF

// counterKey indexes the per-peer, per-key message counter space: a
// monotonically increasing counter per (source node, key).
type counterKey struct {
	node NodeID
	key  KeyID
}

// PeerKnownAddress is an address hint the caller has previously observed
// for a peer - e.g. the source address of the last datagram received from
// it. FabricState prefers a known address over the derived ULA when one is
// available, exactly as MessageLayer/FabricState do in the original stack.
type PeerKnownAddress struct {
	Addr net.IP
	Port int
}

// State holds the fabric-wide identity every component needs: the local
// node's own id, the shared fabric id, the message-id generator, and the
// peer-authenticity check. It corresponds to FabricState in the original
// implementation.
//
// State is safe for concurrent use; it is shared by MessageLayer,
// ExchangeManager and the tunnel subsystem.
type State struct {
	localNodeID NodeID
	fabricID    FabricID
	subnet      uint16

	mu        sync.Mutex
	counters  map[counterKey]uint32
	knownAddr map[NodeID]PeerKnownAddress
}

// NewState creates fabric state for a node identified by localNodeID on the
// fabric fabricID. subnet selects the 16-bit ULA subnet this node derives
// addresses on (0 is a reasonable default for a single-subnet fabric).
func NewState(localNodeID NodeID, fabricID FabricID, subnet uint16) *State {
	return &State{
		localNodeID: localNodeID,
		fabricID:    fabricID,
		subnet:      subnet,
		counters:    make(map[counterKey]uint32),
		knownAddr:   make(map[NodeID]PeerKnownAddress),
	}
}

// LocalNodeID returns the local node's id.
func (s *State) LocalNodeID() NodeID { return s.localNodeID }

// FabricID returns the fabric id shared by every peer on this fabric.
func (s *State) FabricID() FabricID { return s.fabricID }

// NoteObservedAddress records the address a peer was most recently seen
// sending from, so future sends to that peer skip ULA derivation. Called by
// MessageLayer on every successful inbound decode.
func (s *State) NoteObservedAddress(peer NodeID, addr net.IP, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownAddr[peer] = PeerKnownAddress{Addr: addr, Port: port}
}

// SelectNodeAddress returns the address to use for peerNodeID: a previously
// observed address if one is known, otherwise the deterministically derived
// fabric ULA.
func (s *State) SelectNodeAddress(peerNodeID NodeID) net.IP {
	s.mu.Lock()
	known, ok := s.knownAddr[peerNodeID]
	s.mu.Unlock()
	if ok {
		return known.Addr
	}
	return ULA(s.fabricID, s.subnet, peerNodeID)
}

// SelectDestNodeIDAndAddress resolves a caller-supplied desired destination
// node id (which may be fabric.AnyNode for "don't care") into a concrete
// node id and address pair. When desiredDest is AnyNode or NotSpecified the
// local node id is substituted (loopback-style self-addressing is not
// meaningful on a fabric, so this is primarily a defensive default for
// callers that have not yet resolved a peer).
func (s *State) SelectDestNodeIDAndAddress(desiredDest NodeID) (NodeID, net.IP) {
	dest := desiredDest
	if !dest.IsSpecified() {
		dest = s.localNodeID
	}
	return dest, s.SelectNodeAddress(dest)
}

// NextMessageID returns the next monotonically increasing message id for
// (localNodeID, key). The counter starts at 1 (0 is
// reserved) and wraps per the 32-bit field; wraparound is handled by the
// receiver's window-based duplicate detection, not by this generator.
func (s *State) NextMessageID(key KeyID) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := counterKey{node: s.localNodeID, key: key}
	next := s.counters[ck] + 1
	if next == 0 {
		next = 1
	}
	s.counters[ck] = next
	return next
}

// ReceiveWindow tracks, per (source node, key), which of the most recent W
// message ids have already been seen - the window-based duplicate detector
// needed to tolerate MessageId wraparound.
type ReceiveWindow struct {
	width uint32
	mu    sync.Mutex
	byKey map[counterKey]*window
}

type window struct {
	max  uint32
	seen uint64 // bitmap of the W most recent ids below max, bit 0 == max
}

// NewReceiveWindow creates a duplicate-detection tracker with the given
// window width W (clamped to the inclusive range [32, 64]).
func NewReceiveWindow(width uint32) *ReceiveWindow {
	if width < 32 {
		width = 32
	}
	if width > 64 {
		width = 64
	}
	return &ReceiveWindow{width: width, byKey: make(map[counterKey]*window)}
}

// IsAuthenticMessageFromPeer reports whether counter from (node, key) is new
// (not a replay/duplicate) and records it as seen if so. This backs
// FabricState.isAuthenticMessageFromPeer for keyed messages; the caller is
// responsible for having already verified the message's MIC/signature -
// this only guards against replay of an otherwise-authentic message.
func (w *ReceiveWindow) IsAuthenticMessageFromPeer(node NodeID, key KeyID, counter uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := counterKey{node: node, key: key}
	win, ok := w.byKey[ck]
	if !ok {
		win = &window{max: counter, seen: 1}
		w.byKey[ck] = win
		return true
	}

	diff := int64(counter) - int64(win.max)
	switch {
	case diff > 0:
		// New high-water mark: slide the window forward.
		if diff >= int64(w.width) {
			win.seen = 1
		} else {
			win.seen = (win.seen << uint(diff)) | 1
		}
		win.max = counter
		return true
	case diff == 0:
		return false // exact replay of the current max
	default:
		age := uint32(-diff)
		if age >= w.width {
			return false // too old to track, treat as duplicate/invalid
		}
		bit := uint64(1) << age
		if win.seen&bit != 0 {
			return false // already seen
		}
		win.seen |= bit
		return true
	}
}
