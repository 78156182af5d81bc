package transport

import (
	"encoding/binary"
	"io"

	"github.com/openweave-go/weave/pkg/message"
)

// TCPLengthPrefixSize is the width, in bytes, of the length prefix TCP
// framing adds ahead of every message.
const TCPLengthPrefixSize = 4

// streamWriter adds a 4-byte little-endian length prefix ahead of each
// message written to w. The message bytes themselves are already a
// complete codec-encoded frame by the time they reach here; this package
// only owns the stream framing, not the message encoding.
type streamWriter struct {
	w io.Writer
}

func newStreamWriter(w io.Writer) *streamWriter {
	return &streamWriter{w: w}
}

func (sw *streamWriter) Write(frame []byte) (int, error) {
	var lenBuf [TCPLengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	n, err := sw.w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	m, err := sw.w.Write(frame)
	return n + m, err
}

// streamReader reads 4-byte length-prefixed messages from r.
type streamReader struct {
	r io.Reader
}

func newStreamReader(r io.Reader) *streamReader {
	return &streamReader{r: r}
}

func (sr *streamReader) Read() ([]byte, error) {
	var lenBuf [TCPLengthPrefixSize]byte
	if _, err := io.ReadFull(sr.r, lenBuf[:]); err != nil {
		return nil, err
	}

	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return nil, ErrInvalidLengthPrefix
	}
	if frameLen > message.MaxTCPMessageSize {
		return nil, ErrMessageTooLarge
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(sr.r, frame); err != nil {
		return nil, err
	}

	return frame, nil
}
