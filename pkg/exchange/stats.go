package exchange

import "sync/atomic"

// Stats are cumulative exchange-layer counters giving a long-running
// Manager the observability its pool sizing and retransmission behavior
// need. All fields are safe for concurrent use.
//
// UMHandlersInUse and BindingsInUse are running gauges, not monotonic
// counters: they track live pool occupancy the way
// SYSTEM_STATS_INCREMENT/DECREMENT(kExchangeMgr_NumUMHandlers) and
// kExchangeMgr_NumBindings do in the original implementation.
// ExchangeCount serves the equivalent role for kExchangeMgr_NumContexts,
// since the context pool is already sized by len(contexts).
type Stats struct {
	MessagesSent       atomic.Uint64
	MessagesReceived   atomic.Uint64
	AcksSent           atomic.Uint64
	AcksReceived       atomic.Uint64
	Retransmits        atomic.Uint64
	MessagesNotAcked   atomic.Uint64
	UnsolicitedHandled atomic.Uint64
	UnsolicitedDropped atomic.Uint64
	DuplicatesDropped  atomic.Uint64
	RetransTableFull   atomic.Uint64
	UMHandlersInUse    atomic.Uint64
	BindingsInUse      atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats for logging/inspection.
type Snapshot struct {
	MessagesSent       uint64
	MessagesReceived   uint64
	AcksSent           uint64
	AcksReceived       uint64
	Retransmits        uint64
	MessagesNotAcked   uint64
	UnsolicitedHandled uint64
	UnsolicitedDropped uint64
	DuplicatesDropped  uint64
	RetransTableFull   uint64
	UMHandlersInUse    uint64
	BindingsInUse      uint64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent:       s.MessagesSent.Load(),
		MessagesReceived:   s.MessagesReceived.Load(),
		AcksSent:           s.AcksSent.Load(),
		AcksReceived:       s.AcksReceived.Load(),
		Retransmits:        s.Retransmits.Load(),
		MessagesNotAcked:   s.MessagesNotAcked.Load(),
		UnsolicitedHandled: s.UnsolicitedHandled.Load(),
		UnsolicitedDropped: s.UnsolicitedDropped.Load(),
		DuplicatesDropped:  s.DuplicatesDropped.Load(),
		RetransTableFull:   s.RetransTableFull.Load(),
		UMHandlersInUse:    s.UMHandlersInUse.Load(),
		BindingsInUse:      s.BindingsInUse.Load(),
	}
}
