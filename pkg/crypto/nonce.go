// Nonce construction for message AEAD encryption.
package crypto

import (
	"encoding/binary"
)

const (
	// NonceSize is the AEAD nonce length used for AES-CCM message
	// encryption.
	NonceSize = 13

	// SymmetricKeySize is the symmetric key length.
	SymmetricKeySize = 16

	// MICSize is the Message Integrity Check length.
	MICSize = 16
)

// BuildAEADNonce constructs a 13-byte nonce for AEAD encryption/decryption.
//
// Format: SecurityFlags (1 byte) || MessageCounter (4 bytes LE) || SourceNodeID (8 bytes LE)
//
// Parameters:
//   - securityFlags: Security flags byte from the message header
//   - messageCounter: Message counter (32-bit, little-endian in nonce)
//   - sourceNodeID: Source node ID (64-bit, little-endian in nonce)
//     For unicast sessions before a node id is assigned, use the
//     unspecified node id (0). Otherwise, use the session's source
//     node id.
//
// Returns a 13-byte nonce suitable for AES-CCM operations.
func BuildAEADNonce(securityFlags uint8, messageCounter uint32, sourceNodeID uint64) []byte {
	nonce := make([]byte, NonceSize)

	// Byte 0: Security Flags
	nonce[0] = securityFlags

	// Bytes 1-4: Message Counter (little-endian)
	binary.LittleEndian.PutUint32(nonce[1:5], messageCounter)

	// Bytes 5-12: Source Node ID (little-endian)
	binary.LittleEndian.PutUint64(nonce[5:13], sourceNodeID)

	return nonce
}
