package message

import "encoding/binary"

// Common-profile WRMP control message types, carried under ProfileCommon.
const (
	MsgTypeNull              uint8 = 0x00
	MsgTypeWRMPThrottleFlow  uint8 = 0x01
	MsgTypeWRMPDelayedDelivery uint8 = 0x02
)

// ProfileCommon is the Weave "common" profile id that carries WRMP control
// messages.
const ProfileCommon uint32 = 0x0000000

// ThrottleFlow is the payload of a WRMP_Throttle_Flow message.
type ThrottleFlow struct {
	PauseMillis uint32
}

// Encode serializes a ThrottleFlow payload.
func (t ThrottleFlow) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, t.PauseMillis)
	return buf
}

// DecodeThrottleFlow parses a ThrottleFlow payload.
func DecodeThrottleFlow(buf []byte) (ThrottleFlow, error) {
	if len(buf) < 4 {
		return ThrottleFlow{}, ErrInvalidMessageLength
	}
	return ThrottleFlow{PauseMillis: binary.LittleEndian.Uint32(buf)}, nil
}

// DelayedDelivery is the payload of a WRMP_Delayed_Delivery message.
type DelayedDelivery struct {
	PauseMillis   uint32
	DelayedNodeID uint64
}

// Encode serializes a DelayedDelivery payload.
func (d DelayedDelivery) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], d.PauseMillis)
	binary.LittleEndian.PutUint64(buf[4:12], d.DelayedNodeID)
	return buf
}

// DecodeDelayedDelivery parses a DelayedDelivery payload.
func DecodeDelayedDelivery(buf []byte) (DelayedDelivery, error) {
	if len(buf) < 12 {
		return DelayedDelivery{}, ErrInvalidMessageLength
	}
	return DelayedDelivery{
		PauseMillis:   binary.LittleEndian.Uint32(buf[0:4]),
		DelayedNodeID: binary.LittleEndian.Uint64(buf[4:12]),
	}, nil
}
