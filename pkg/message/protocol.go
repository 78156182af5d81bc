package message

import "encoding/binary"

// ExchangeHeader is prepended to the payload after decryption. It carries
// the exchange/profile routing information the
// exchange layer (pkg/exchange) needs, distinct from the outer message
// header (Header) that the transport/fabric layer uses for routing and
// replay protection.
type ExchangeHeader struct {
	Version Version

	Initiator bool
	AckID     bool
	NeedsAck  bool

	MessageType uint8
	ExchangeID  uint16
	ProfileID   uint32

	// AckMessageID is only meaningful when AckID is set.
	AckMessageID uint32
}

func (eh *ExchangeHeader) flagsByte() uint8 {
	var f uint8
	if eh.Initiator {
		f |= uint8(FlagInitiator)
	}
	if eh.AckID {
		f |= uint8(FlagAckID)
	}
	if eh.NeedsAck {
		f |= uint8(FlagNeedsAck)
	}
	return (uint8(eh.Version) << 4) | f
}

// Size returns the encoded size of the exchange header in bytes.
func (eh *ExchangeHeader) Size() int {
	if eh.AckID {
		return ExchangeHeaderReserveWithAck
	}
	return ExchangeHeaderReserve
}

// Encode serializes the exchange header to a freshly allocated slice.
func (eh *ExchangeHeader) Encode() []byte {
	buf := make([]byte, eh.Size())
	eh.EncodeTo(buf)
	return buf
}

// EncodeTo serializes the exchange header into buf, which must be at least
// eh.Size() bytes long.
func (eh *ExchangeHeader) EncodeTo(buf []byte) {
	buf[0] = eh.flagsByte()
	buf[1] = eh.MessageType
	binary.LittleEndian.PutUint16(buf[2:4], eh.ExchangeID)
	binary.LittleEndian.PutUint32(buf[4:8], eh.ProfileID)
	if eh.AckID {
		binary.LittleEndian.PutUint32(buf[8:12], eh.AckMessageID)
	}
}

// PrependExchangeHeader writes eh into the reserved prefix of buf and
// returns the slice starting at the header so it is ready to send.
//
// buf must be laid out as [reserved prefix][payload...], with reserved
// bytes of scratch space before the payload for the caller to fill in.
// PrependExchangeHeader writes the header right-aligned against the
// payload, i.e. into
// buf[reserved-eh.Size() : reserved].
func PrependExchangeHeader(buf []byte, reserved int, eh *ExchangeHeader) ([]byte, error) {
	need := eh.Size()
	if reserved < need {
		return nil, ErrReserveTooSmall
	}
	start := reserved - need
	eh.EncodeTo(buf[start:reserved])
	return buf[start:], nil
}

// DecodeExchangeHeader parses an ExchangeHeader from the start of buf and
// returns the header along with the remaining payload slice.
func DecodeExchangeHeader(buf []byte) (ExchangeHeader, []byte, error) {
	var eh ExchangeHeader
	if len(buf) < ExchangeHeaderReserve {
		return eh, nil, ErrInvalidMessageLength
	}

	eh.Version = Version(buf[0] >> 4)
	flags := buf[0] & 0x0F
	eh.Initiator = flags&uint8(FlagInitiator) != 0
	eh.AckID = flags&uint8(FlagAckID) != 0
	eh.NeedsAck = flags&uint8(FlagNeedsAck) != 0

	eh.MessageType = buf[1]
	eh.ExchangeID = binary.LittleEndian.Uint16(buf[2:4])
	eh.ProfileID = binary.LittleEndian.Uint32(buf[4:8])

	off := ExchangeHeaderReserve
	if eh.AckID {
		if len(buf) < ExchangeHeaderReserveWithAck {
			return eh, nil, ErrInvalidMessageLength
		}
		eh.AckMessageID = binary.LittleEndian.Uint32(buf[8:12])
		off = ExchangeHeaderReserveWithAck
	}

	return eh, buf[off:], nil
}

// SelectVersion picks the exchange-header protocol version for an outbound
// message: V2 is required when requesting an ack, for WRMP control opcodes,
// or for the Common/Null ack carrier; V1 otherwise.
func SelectVersion(requestAck bool, isWRMPControl bool, isNullAck bool) Version {
	if requestAck || isWRMPControl || isNullAck {
		return V2
	}
	return V1
}
