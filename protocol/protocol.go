// Package protocol implements the socket framing used by the TCP and unix transports.
//
// Every request and response body is prefixed with a 4-byte big-endian length.
// The high bit of the length marks a full-duplex frame, which carries a 4-byte
// correlation id between the length and the body:
//
//	half-duplex:  ┌─────────────┬───────────────┐
//	              │ 0|bodyLen   │ body ...      │
//	              └─────────────┴───────────────┘
//	full-duplex:  ┌─────────────┬──────────┬───────────────┐
//	              │ 1|bodyLen   │    id    │ body ...      │
//	              └─────────────┴──────────┴───────────────┘
//
// The body itself is a frame of package message; this layer only delimits it.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	duplexBit  uint32 = 0x80000000
	MaxBodyLen uint32 = 64 << 20 // 64 MiB
	IDMask     uint32 = 0x7fffffff
)

// Header describes one frame.
type Header struct {
	FullDuplex bool   // frame carries a correlation id
	ID         uint32 // correlation id, 31 bits, full-duplex only
	BodyLen    uint32
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// The caller must hold a write lock if several goroutines share the writer,
// otherwise frames from different requests interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	n := 4
	if h.FullDuplex {
		n = 8
	}
	buf := make([]byte, n+len(body))
	length := uint32(len(body))
	if h.FullDuplex {
		length |= duplexBit
		binary.BigEndian.PutUint32(buf[4:8], h.ID&IDMask)
	}
	binary.BigEndian.PutUint32(buf[0:4], length)
	copy(buf[n:], body)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r.
// io.ReadFull guarantees that a frame is never returned partially.
func Decode(r io.Reader) (*Header, []byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, nil, err
	}
	length := binary.BigEndian.Uint32(head[:])
	h := &Header{
		FullDuplex: length&duplexBit != 0,
		BodyLen:    length &^ duplexBit,
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", h.BodyLen)
	}
	if h.FullDuplex {
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return nil, nil, err
		}
		h.ID = binary.BigEndian.Uint32(head[:]) & IDMask
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
