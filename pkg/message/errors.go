package message

import "errors"

// Errors returned by the message package.
var (
	// ErrUnsupportedMessageVersion is returned when the wire version nibble/
	// word does not match a version this codec understands.
	ErrUnsupportedMessageVersion = errors.New("message: unsupported message version")

	// ErrInvalidMessageLength is returned when a buffer is too short for the
	// header fields it claims to carry.
	ErrInvalidMessageLength = errors.New("message: invalid message length")

	// ErrMessageCounterOutOfWindow is returned when a keyed message's counter
	// falls outside the peer's duplicate-detection window.
	ErrMessageCounterOutOfWindow = errors.New("message: message counter out of window")

	// ErrAuthenticationFailed is returned when MIC verification fails.
	ErrAuthenticationFailed = errors.New("message: authentication failed")

	// ErrReserveTooSmall is returned when a caller's buffer does not reserve
	// enough prefix capacity for PrependExchangeHeader.
	ErrReserveTooSmall = errors.New("message: reserved prefix capacity too small")

	// ErrMessageTooLarge is returned when an encoded message exceeds the
	// transport's maximum size.
	ErrMessageTooLarge = errors.New("message: message too large")
)

// MaxUDPMessageSize is the maximum message size for unreliable UDP
// transport: the IPv6 minimum link MTU.
const MaxUDPMessageSize = 1280

// MaxTCPMessageSize is the maximum message size accepted over the
// length-prefixed TCP transport.
const MaxTCPMessageSize = MaxUDPMessageSize * 16
