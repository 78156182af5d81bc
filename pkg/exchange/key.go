package exchange

import "github.com/openweave-go/weave/pkg/fabric"

// Key identifies an exchange: the peer it runs with, the exchange ID
// allocated by whoever initiated it, and which of the two parties we are on
// it.
type Key struct {
	PeerNodeID fabric.NodeID
	ExchangeID uint16
	Role       ExchangeRole
}
