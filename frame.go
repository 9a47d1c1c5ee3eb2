package cipherlink

import (
	"encoding/binary"
	"errors"
)

const (
	// ProtocolVersion is the only frame version this package reads and writes.
	ProtocolVersion = 1

	// HeaderSize is the fixed size of a frame header: version (1), nonce length (4)
	// and payload length (4), big-endian.
	HeaderSize = 9

	// NonceSize is the size of the random nonce that starts every ciphertext.
	NonceSize = 24
)

// ErrIncomplete is returned by Unpack when the buffer does not yet hold a whole
// frame. It is not a failure: the caller should read more bytes and try again.
var ErrIncomplete = errors.New("incomplete frame")

// Header is the decoded fixed-size frame header.
type Header struct {
	Version    uint8
	NonceLen   uint32
	PayloadLen uint32
}

// FrameSize returns the total number of bytes of the frame described by h,
// including the header itself.
func (h Header) FrameSize() int64 {
	return HeaderSize + int64(h.NonceLen) + int64(h.PayloadLen)
}

// Frame is one unpacked wire frame. Ciphertext starts with the nonce.
type Frame struct {
	Version    uint8
	Ciphertext []byte
}

// Pack returns the wire encoding of a frame carrying ciphertext, which must start
// with a NonceSize nonce.
func Pack(version uint8, ciphertext []byte) []byte {
	if len(ciphertext) < NonceSize {
		panic("cipherlink: ciphertext shorter than nonce")
	}
	buf := make([]byte, HeaderSize+len(ciphertext))
	putHeader(buf, version, len(ciphertext))
	copy(buf[HeaderSize:], ciphertext)
	return buf
}

func putHeader(buf []byte, version uint8, ciphertextLen int) {
	buf[0] = version
	binary.BigEndian.PutUint32(buf[1:5], NonceSize)
	binary.BigEndian.PutUint32(buf[5:9], uint32(ciphertextLen-NonceSize))
}

// ParseHeader decodes the header at the start of buf. It returns false if buf is
// shorter than HeaderSize.
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	h := Header{
		Version:    buf[0],
		NonceLen:   binary.BigEndian.Uint32(buf[1:5]),
		PayloadLen: binary.BigEndian.Uint32(buf[5:9]),
	}
	return h, true
}

// Unpack decodes the frame at the start of buf. It returns the frame and the number
// of bytes it occupies in buf, which the caller must skip before the next call.
// The returned ciphertext is a slice of buf, not a copy.
//
// If buf holds only part of a frame, Unpack returns ErrIncomplete. A header with a
// nonce length other than NonceSize results in ErrMalformedInput.
func Unpack(buf []byte) (Frame, int, error) {
	h, ok := ParseHeader(buf)
	if !ok {
		return Frame{}, 0, ErrIncomplete
	}
	if h.NonceLen != NonceSize {
		return Frame{}, 0, prefixError(ErrMalformedInput, "nonce length %d, expected %d", h.NonceLen, NonceSize)
	}
	size := h.FrameSize()
	if int64(len(buf)) < size {
		return Frame{}, 0, ErrIncomplete
	}
	f := Frame{
		Version:    h.Version,
		Ciphertext: buf[HeaderSize:size],
	}
	return f, int(size), nil
}
