// Package tunnel implements the Weave service tunnel: TunnelConnectionMgr
// manages the connection to a service tunnel endpoint, and TunnelAgent
// shuttles IPv6 packets between a local TUN interface and the
// primary/backup tunnels a TunnelConnectionMgr maintains.
package tunnel

import "fmt"

// Role distinguishes the two deployments TunnelAgent's egress routing
// decision depends on: a border gateway
// forwards MobileDevice-subnet traffic over a shortcut or the service
// tunnel, while a mobile device does the same for PrimaryWiFi/ThreadMesh
// traffic generated locally.
type Role int

const (
	RoleBorderGateway Role = iota
	RoleMobileDevice
)

func (r Role) String() string {
	switch r {
	case RoleBorderGateway:
		return "BorderGateway"
	case RoleMobileDevice:
		return "MobileDevice"
	default:
		return "Unknown"
	}
}

// Type distinguishes the primary and backup service tunnels a
// TunnelConnectionMgr may maintain concurrently.
type Type int

const (
	Primary Type = iota
	Backup
)

func (t Type) String() string {
	if t == Backup {
		return "Backup"
	}
	return "Primary"
}

// State is the TunnelConnectionMgr state machine.
type State int

const (
	StateNoConnection State = iota
	StateConnecting
	StateTunnelOpening
	StateTunnelOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateNoConnection:
		return "NoConnection"
	case StateConnecting:
		return "Connecting"
	case StateTunnelOpening:
		return "TunnelOpening"
	case StateTunnelOpen:
		return "TunnelOpen"
	case StateClosing:
		return "Closing"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsUp reports whether the tunnel is usable for sending application data.
func (s State) IsUp() bool {
	return s == StateTunnelOpen
}

// Stats tracks per-tunnel counters, mirroring the optional WeaveTunnelStats
// of the original implementation but scoped to one Type here rather than
// one struct covering both.
type Stats struct {
	TxBytes       uint64
	TxMessages    uint64
	RxBytes       uint64
	RxMessages    uint64
	DroppedMsgs   uint64
	FailoverCount uint64
	LastUpTimeMs  int64
	LastDownErr   error
}
