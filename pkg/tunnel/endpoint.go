package tunnel

import (
	"net"
	"sync"
)

// Endpoint is the TUN interface collaborator boundary: TunnelAgent reads
// raw IPv6 packets generated locally from it, and writes decapsulated
// inbound packets back to it for delivery to the local IP stack. A real
// implementation backs this with an OS TUN device; tests use MemEndpoint.
type Endpoint interface {
	// Recv blocks until a locally-generated IPv6 packet is available, or
	// the endpoint is closed.
	Recv() ([]byte, error)

	// Send delivers a decapsulated inbound packet to the local IP stack.
	Send(pkt []byte) error

	Close() error
}

// MemEndpoint is an in-memory Endpoint for tests, following the same
// "virtual network" shape as pkg/transport.Pipe: packets handed to
// Inject() are what Recv() returns, and packets passed to Send() are
// collected for assertions.
type MemEndpoint struct {
	mu     sync.Mutex
	inbox  chan []byte
	sent   [][]byte
	closed bool
}

// NewMemEndpoint creates a MemEndpoint with the given inbox capacity.
func NewMemEndpoint(capacity int) *MemEndpoint {
	if capacity <= 0 {
		capacity = 16
	}
	return &MemEndpoint{inbox: make(chan []byte, capacity)}
}

// Inject queues pkt as if it were generated locally, for Recv to return.
func (m *MemEndpoint) Inject(pkt []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.inbox <- pkt
}

func (m *MemEndpoint) Recv() ([]byte, error) {
	pkt, ok := <-m.inbox
	if !ok {
		return nil, ErrNotStarted
	}
	return pkt, nil
}

func (m *MemEndpoint) Send(pkt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotStarted
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	m.sent = append(m.sent, cp)
	return nil
}

// Sent returns every packet delivered to the local IP stack so far.
func (m *MemEndpoint) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MemEndpoint) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.inbox)
	return nil
}

// destinationAddr extracts the destination address from an IPv6 packet's
// fixed header (bytes 24-39), mirroring the original implementation's
// ParseDestinationIPAddress.
func destinationAddr(pkt []byte) net.IP {
	if len(pkt) < 40 {
		return nil
	}
	return net.IP(pkt[24:40])
}
