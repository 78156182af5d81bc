package message

import "encoding/binary"

// Header is the Weave message header. It precedes the
// (possibly encrypted) payload on the wire; SourceNodeID/DestNodeID are only
// present when the corresponding flag is set, and KeyID/EncType are only
// present when the message is encrypted.
type Header struct {
	MessageID uint32

	SourcePresent bool
	SourceNodeID  uint64

	DestPresent bool
	DestNodeID  uint64

	Encrypted bool
	KeyID     uint16
	EncType   EncryptionType
}

// Size returns the encoded header size in bytes, excluding payload and MIC.
func (h *Header) Size() int {
	n := 2 + 4 // version_and_flags + message_id
	if h.SourcePresent {
		n += 8
	}
	if h.DestPresent {
		n += 8
	}
	if h.Encrypted {
		n += 2 + 1
	}
	return n
}

func (h *Header) flags() uint16 {
	var f uint16
	if h.SourcePresent {
		f |= mhFlagSourcePresent
	}
	if h.DestPresent {
		f |= mhFlagDestPresent
	}
	if h.Encrypted {
		f |= mhFlagEncrypted
	}
	return (MessageVersion << 12) | f
}

// EncodeTo writes the header into buf, which must be at least h.Size()
// bytes long, and returns the number of bytes written.
func (h *Header) EncodeTo(buf []byte) int {
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], h.flags())
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], h.MessageID)
	off += 4
	if h.SourcePresent {
		binary.LittleEndian.PutUint64(buf[off:], h.SourceNodeID)
		off += 8
	}
	if h.DestPresent {
		binary.LittleEndian.PutUint64(buf[off:], h.DestNodeID)
		off += 8
	}
	if h.Encrypted {
		binary.LittleEndian.PutUint16(buf[off:], h.KeyID)
		off += 2
		buf[off] = uint8(h.EncType)
		off++
	}
	return off
}

// DecodeHeader parses a Header from the start of buf and returns the header
// and the number of bytes consumed. It validates the message version and
// bounds-checks every optional field.
func DecodeHeader(buf []byte) (Header, int, error) {
	var h Header
	if len(buf) < 6 {
		return h, 0, ErrInvalidMessageLength
	}

	vf := binary.LittleEndian.Uint16(buf[0:2])
	version := vf >> 12
	if version != MessageVersion {
		return h, 0, ErrUnsupportedMessageVersion
	}
	flags := vf & 0x0FFF

	h.SourcePresent = flags&mhFlagSourcePresent != 0
	h.DestPresent = flags&mhFlagDestPresent != 0
	h.Encrypted = flags&mhFlagEncrypted != 0

	off := 2
	h.MessageID = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if h.SourcePresent {
		if len(buf) < off+8 {
			return h, 0, ErrInvalidMessageLength
		}
		h.SourceNodeID = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	if h.DestPresent {
		if len(buf) < off+8 {
			return h, 0, ErrInvalidMessageLength
		}
		h.DestNodeID = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	if h.Encrypted {
		if len(buf) < off+3 {
			return h, 0, ErrInvalidMessageLength
		}
		h.KeyID = binary.LittleEndian.Uint16(buf[off:])
		off += 2
		h.EncType = EncryptionType(buf[off])
		off++
	}

	return h, off, nil
}
