// Package message implements the Weave on-wire message header and exchange
// header codec. The message-counter duplicate window lives in the fabric
// package (fabric.ReceiveWindow).
//
// All multi-byte integers are little-endian on the wire.
package message

// Version identifies the exchange-header protocol version.
type Version uint8

const (
	// V1 is the baseline exchange header version.
	V1 Version = 0
	// V2 is required for any message using reliability flags (NeedsAck/AckId)
	// or a WRMP control opcode.
	V2 Version = 1
)

// ExchangeFlag bits, packed into the low nibble of the exchange header's
// first byte.
type ExchangeFlag uint8

const (
	FlagInitiator ExchangeFlag = 0x1
	FlagAckID     ExchangeFlag = 0x2
	FlagNeedsAck  ExchangeFlag = 0x4
)

// Has reports whether flag is set in flags.
func (f ExchangeFlag) Has(flags uint8) bool {
	return flags&uint8(f) != 0
}

// EncryptionType identifies the AEAD/MIC suite protecting a message.
// The concrete suites (AES-CCM, etc.) are an external collaborator; this
// package only carries the wire tag and MIC length.
type EncryptionType uint8

const (
	// EncryptionNone indicates a cleartext message (no KeyID, no MIC).
	EncryptionNone EncryptionType = 0
	// EncryptionAESCCM64 tags a message MIC'd with a 64-bit (8-byte) tag.
	EncryptionAESCCM64 EncryptionType = 1
	// EncryptionAESCCM128 tags a message MIC'd with a 128-bit (16-byte) tag.
	EncryptionAESCCM128 EncryptionType = 2
)

// MICSize returns the on-wire MIC length for the encryption type.
func (e EncryptionType) MICSize() int {
	switch e {
	case EncryptionAESCCM64:
		return 8
	case EncryptionAESCCM128:
		return 16
	default:
		return 0
	}
}

// message-header flag bits (versionAndFlags = v<<12 | flags).
const (
	mhFlagSourcePresent uint16 = 0x0001
	mhFlagDestPresent   uint16 = 0x0002
	mhFlagEncrypted     uint16 = 0x0004
)

// MessageVersion is the fixed message-header protocol version this codec
// emits and expects (distinct from the exchange-header Version above).
const MessageVersion uint16 = 1

// MinHeaderReserve is a prefix capacity (in bytes) for a message header.
// Codec.Encode does not read it: it allocates its own output buffer and
// writes the header at its start.
const MinHeaderReserve = 16

// ExchangeHeaderReserve is the minimum prefix capacity required for
// PrependExchangeHeader without an ack id; with AckID set 12 bytes are
// needed.
const (
	ExchangeHeaderReserve       = 8
	ExchangeHeaderReserveWithAck = 12
)
