package message

import (
	"github.com/openweave-go/weave/pkg/crypto"
)

// DefaultNonceFor builds the AEAD nonce for h using the message's own
// counter and source node id, the nonce construction AESCCMEncryptor is
// implicitly paired with. A caller running a different cipher suite (one
// negotiated out of band, per the Encryptor collaborator boundary) supplies
// its own NonceFor instead.
func DefaultNonceFor(h Header) []byte {
	return crypto.BuildAEADNonce(byte(h.EncType), h.MessageID, h.SourceNodeID)
}

// Encryptor is the contract MessageCodec needs from the cryptographic
// suite. Key derivation and encrypt/decrypt are treated as an external
// collaborator boundary; this is that collaborator's interface.
type Encryptor interface {
	// Seal encrypts plaintext under key/nonce, authenticating aad, and
	// returns ciphertext concatenated with its MIC.
	Seal(key, nonce, aad, plaintext []byte) ([]byte, error)
	// Open verifies and decrypts ciphertextAndMIC, authenticating aad.
	Open(key, nonce, aad, ciphertextAndMIC []byte) ([]byte, error)
}

// AESCCMEncryptor is the default Encryptor, backing message protection with
// AES-CCM as the original Weave cipher suite does. It is provided so the
// codec is usable out of the box; a production deployment substitutes the
// suite its CASE/PASE session negotiated.
type AESCCMEncryptor struct {
	TagSize int // 8 (EncryptionAESCCM64) or 16 (EncryptionAESCCM128)
}

// NewAESCCMEncryptor creates an Encryptor using the given MIC size.
func NewAESCCMEncryptor(encType EncryptionType) *AESCCMEncryptor {
	tag := encType.MICSize()
	if tag == 0 {
		tag = crypto.AESCCMTagSize
	}
	return &AESCCMEncryptor{TagSize: tag}
}

func (e *AESCCMEncryptor) Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	cipher, err := crypto.NewAESCCMWithParams(key, len(nonce), e.TagSize)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, plaintext, aad)
}

func (e *AESCCMEncryptor) Open(key, nonce, aad, ciphertextAndMIC []byte) ([]byte, error) {
	cipher, err := crypto.NewAESCCMWithParams(key, len(nonce), e.TagSize)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nonce, ciphertextAndMIC, aad)
}

// KeyLookup resolves a (keyID, sourceNodeID) pair to the symmetric key
// protecting messages from that peer under that key id.
type KeyLookup func(keyID uint16, sourceNodeID uint64) ([]byte, error)

// Codec encodes and decodes full Weave messages: the Header, the
// (optionally encrypted) payload, and the MIC.
type Codec struct {
	Encryptor Encryptor
}

// NewCodec creates a Codec. If encryptor is nil, NewAESCCMEncryptor(EncryptionAESCCM128)
// is used.
func NewCodec(encryptor Encryptor) *Codec {
	if encryptor == nil {
		encryptor = NewAESCCMEncryptor(EncryptionAESCCM128)
	}
	return &Codec{Encryptor: encryptor}
}

// Encode serializes header and payload into a single wire buffer, encrypting
// the payload and appending its MIC when header.Encrypted is set. key is
// used only when header.Encrypted is set; it is ignored otherwise.
func (c *Codec) Encode(header Header, payload []byte, key []byte, nonce []byte) ([]byte, error) {
	headerBytes := header.Encode()

	if !header.Encrypted {
		out := make([]byte, 0, len(headerBytes)+len(payload))
		out = append(out, headerBytes...)
		out = append(out, payload...)
		return out, nil
	}

	ciphertextAndMIC, err := c.Encryptor.Seal(key, nonce, headerBytes, payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(headerBytes)+len(ciphertextAndMIC))
	out = append(out, headerBytes...)
	out = append(out, ciphertextAndMIC...)
	return out, nil
}

// Header serializes just the header, for callers (e.g. Encode above, or
// nonce construction) that need the AAD bytes independent of the payload.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.Size())
	h.EncodeTo(buf)
	return buf
}

// Decode parses a wire buffer into its Header and plaintext payload,
// resolving the decryption key via lookup and verifying the MIC. Replay
// protection is left to the caller: callers invoke window-based duplicate
// detection themselves via pkg/fabric.ReceiveWindow using the returned
// Header.MessageID, rather than the codec tracking window state itself.
func (c *Codec) Decode(buf []byte, lookup KeyLookup, nonceFor func(h Header) []byte) (Header, []byte, error) {
	header, n, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	rest := buf[n:]

	if !header.Encrypted {
		return header, rest, nil
	}

	key, err := lookup(header.KeyID, header.SourceNodeID)
	if err != nil {
		return Header{}, nil, ErrAuthenticationFailed
	}

	aad := header.Encode()
	nonce := nonceFor(header)
	plaintext, err := c.Encryptor.Open(key, nonce, aad, rest)
	if err != nil {
		return Header{}, nil, ErrAuthenticationFailed
	}

	return header, plaintext, nil
}
