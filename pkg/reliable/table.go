package reliable

import (
	"github.com/openweave-go/weave/pkg/transport"
)

// Entry is one pending retransmission. Owner is an opaque identity supplied
// by the caller (pkg/exchange uses its *Context pointer) so this package
// never needs to import pkg/exchange - avoiding an import cycle, since
// pkg/exchange already depends on pkg/reliable.
type Entry struct {
	Owner    any
	MsgID    uint32
	Buffer   []byte
	Peer     transport.PeerAddress
	SendCount int

	// NextRetransTicks counts down to the next retransmission. It is
	// decremented by Table.Tick and reset by Table.Rearm.
	NextRetransTicks uint32
}

// Table is the fixed-capacity retransmit table (RetransmitTableEntry /
// RETRANS_TABLE_SIZE in the original implementation). A nil slot is free; slots are
// never reordered so Entry pointers returned by Add remain valid until
// explicitly removed.
type Table struct {
	slots []*Entry
}

// NewTable creates a Table with room for capacity concurrent pending
// retransmissions.
func NewTable(capacity int) *Table {
	return &Table{slots: make([]*Entry, capacity)}
}

// Add inserts a new pending entry, arming it at initialTicks. It returns
// ErrTableFull if no free slot remains.
func (t *Table) Add(owner any, msgID uint32, buf []byte, peer transport.PeerAddress, initialTicks uint32) (*Entry, error) {
	for i, s := range t.slots {
		if s == nil {
			e := &Entry{
				Owner:            owner,
				MsgID:            msgID,
				Buffer:           buf,
				Peer:             peer,
				SendCount:        1,
				NextRetransTicks: initialTicks,
			}
			t.slots[i] = e
			return e, nil
		}
	}
	return nil, ErrTableFull
}

// RemoveByAck removes and returns the entry matching owner and ackMsgID, if
// any: an inbound ack clears its matching retransmit entry.
func (t *Table) RemoveByAck(owner any, ackMsgID uint32) (*Entry, bool) {
	for i, s := range t.slots {
		if s == nil {
			continue
		}
		if s.Owner == owner && s.MsgID == ackMsgID {
			t.slots[i] = nil
			return s, true
		}
	}
	return nil, false
}

// RemoveByOwner removes and returns every entry belonging to owner, for use
// when an exchange closes or aborts.
func (t *Table) RemoveByOwner(owner any) []*Entry {
	var removed []*Entry
	for i, s := range t.slots {
		if s != nil && s.Owner == owner {
			removed = append(removed, s)
			t.slots[i] = nil
		}
	}
	return removed
}

// Tick decrements NextRetransTicks on every live entry by delta
// (saturating), returning those that reached zero. Callers re-arm surviving
// entries via Rearm or remove them via RemoveByOwner once SendCount exceeds
// the configured maximum.
func (t *Table) Tick(delta uint32) []*Entry {
	var due []*Entry
	for _, s := range t.slots {
		if s == nil {
			continue
		}
		s.NextRetransTicks = DecSaturating(s.NextRetransTicks, delta)
		if s.NextRetransTicks == 0 {
			due = append(due, s)
		}
	}
	return due
}

// Rearm bumps SendCount and resets NextRetransTicks for another retransmit
// attempt. It is idempotent: calling it again before the new deadline simply
// replaces the countdown, it never stacks multiple timers for the same
// entry.
func (t *Table) Rearm(e *Entry, ticks uint32) {
	e.SendCount++
	e.NextRetransTicks = ticks
}

// Remove deletes entry e from the table (e.g. after MaxRetrans is reached).
func (t *Table) Remove(e *Entry) {
	for i, s := range t.slots {
		if s == e {
			t.slots[i] = nil
			return
		}
	}
}

// Count returns the number of occupied slots.
func (t *Table) Count() int {
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Entries returns a snapshot slice of all live entries.
func (t *Table) Entries() []*Entry {
	var out []*Entry
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
