// Package frame carries application byte streams over relay data messages.
//
// Each frame is a 2-byte big-endian length followed by the payload. A peer stream can also carry
// raw STUN messages (connectivity checks) between frames; the Decoder recognises them by the
// magic cookie and yields them as separate units.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the length prefix size.
	HeaderSize = 2
	// MaxPayload is the largest payload a single frame can describe.
	MaxPayload = 0xFFFF
	// MaxChunk is the largest payload sent in one relay message. The remainder of the
	// 16-bit message length is reserved for STUN headers and attributes.
	MaxChunk = 0xFFFF - 1000

	stunHeaderSize = 20
	stunCookie     = 0x2112A442
	// stunSniffSize is how many bytes must be buffered before a frame boundary can be
	// classified as a STUN message.
	stunSniffSize = 8
)

var ErrFrameTooLarge = errors.New("frame: payload too large")

// Encode returns p prefixed with its length.
func Encode(p []byte) ([]byte, error) {
	if len(p) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	out := make([]byte, HeaderSize+len(p))
	binary.BigEndian.PutUint16(out, uint16(len(p)))
	copy(out[HeaderSize:], p)
	return out, nil
}

// Kind tells what a decoded unit holds.
type Kind uint8

const (
	KindFrame Kind = iota
	KindSTUN
)

func (k Kind) String() string {
	if k == KindSTUN {
		return "stun"
	}
	return "frame"
}

// Unit is one complete item extracted from a peer stream. For KindFrame Data is the frame
// payload, for KindSTUN it is the whole STUN message.
type Unit struct {
	Kind Kind
	Data []byte
}

// Decoder reassembles units from a fragmented stream. It is not safe for concurrent use;
// callers keep one per peer.
//
// STUN messages are recognised only once 8 bytes are buffered at a unit boundary. If a STUN
// message arrives split so that fewer than 8 of its bytes are buffered and those bytes already
// form a complete frame, they are delivered as that frame and the rest of the stream is read
// out of step.
type Decoder struct {
	buf []byte
}

// Write appends stream bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered reports how many bytes wait for the rest of a unit.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial unit.
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

// Next returns the next complete unit, or ok=false if more bytes are needed.
// The returned Data does not alias the decoder's buffer.
func (d *Decoder) Next() (u Unit, ok bool) {
	n, kind := d.pending()
	if n == 0 || len(d.buf) < n {
		return Unit{}, false
	}
	if kind == KindFrame {
		u = Unit{Kind: KindFrame, Data: append([]byte(nil), d.buf[HeaderSize:n]...)}
	} else {
		u = Unit{Kind: KindSTUN, Data: append([]byte(nil), d.buf[:n]...)}
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return u, true
}

// pending returns the total size of the unit at the head of the buffer, or 0 when not even
// its header is available.
func (d *Decoder) pending() (int, Kind) {
	if IsSTUN(d.buf) {
		if len(d.buf) < stunHeaderSize {
			return 0, KindSTUN
		}
		return stunHeaderSize + int(binary.BigEndian.Uint16(d.buf[2:4])), KindSTUN
	}
	if len(d.buf) < HeaderSize {
		return 0, KindFrame
	}
	size := HeaderSize + int(binary.BigEndian.Uint16(d.buf))
	// A frame shorter than the sniff window is complete before a cookie could be seen.
	if len(d.buf) < stunSniffSize && len(d.buf) < size {
		return 0, KindFrame
	}
	return size, KindFrame
}

// IsSTUN reports whether b starts with a STUN header: the two top bits of the type clear and
// the magic cookie at offset 4. At least 8 bytes are required.
func IsSTUN(b []byte) bool {
	if len(b) < stunSniffSize {
		return false
	}
	return b[0]&0xC0 == 0 && binary.BigEndian.Uint32(b[4:8]) == stunCookie
}
