// Package envelope implements the Long-Polling wire framing: a small,
// length-prefixed envelope format multiple of which may be concatenated
// in a single HTTP body (POST) or chunked response (GET drain).
//
// Header byte: high bit (0x80) is the "more fragments follow" flag; the
// low 7 bits carry either the payload length directly (0x00-0x7D) or one
// of two sentinels selecting an extended length field:
//
//	0x00-0x7D  length is the 7-bit value, header is 1 byte
//	0x7E       2 more bytes, big-endian uint16 length, header is 3 bytes
//	0x7F       8 more bytes, big-endian uint64 length, header is 9 bytes
//
// This module takes the binary big-endian branch of the source's
// extended-length encoding rather than its ASCII-hex one (see DESIGN.md,
// Open Question decisions).
package envelope

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	moreFragmentsBit = 0x80
	lengthMask       = 0x7F

	sentinel16 = 0x7E
	sentinel64 = 0x7F
	maxDirect  = 0x7D
)

// ErrTooLarge is returned when a decoded length exceeds a caller-supplied
// bound (used by longpoll to cap a single envelope's payload size).
var ErrTooLarge = errors.New("envelope: payload length exceeds limit")

// Encode appends the wire form of one envelope (header + payload) to dst
// and returns the extended slice. more marks this envelope as a
// non-final fragment of a larger logical message.
func Encode(dst []byte, payload []byte, more bool) []byte {
	dst = append(dst, header(len(payload), more)...)
	return append(dst, payload...)
}

func header(length int, more bool) []byte {
	flag := byte(0)
	if more {
		flag = moreFragmentsBit
	}
	switch {
	case length <= maxDirect:
		return []byte{flag | byte(length)}
	case length <= 0xFFFF:
		h := make([]byte, 3)
		h[0] = flag | sentinel16
		binary.BigEndian.PutUint16(h[1:], uint16(length))
		return h
	default:
		h := make([]byte, 9)
		h[0] = flag | sentinel64
		binary.BigEndian.PutUint64(h[1:], uint64(length))
		return h
	}
}

// Fragment is one envelope as read off the wire.
type Fragment struct {
	Payload []byte
	More    bool
}

// Reader decodes a stream of envelopes from an underlying byte stream,
// e.g. the body of a long-polling POST.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

// NewReader wraps r. maxSize bounds a single envelope's payload length;
// 0 means unbounded.
func NewReader(r io.Reader, maxSize int) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, maxSize: maxSize}
}

// ReadFragment reads one envelope. It returns io.EOF when the stream is
// exhausted exactly at an envelope boundary.
func (d *Reader) ReadFragment() (Fragment, error) {
	first, err := d.r.ReadByte()
	if err != nil {
		return Fragment{}, err
	}

	more := first&moreFragmentsBit != 0
	low := first & lengthMask

	var length uint64
	switch low {
	case sentinel16:
		var buf [2]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return Fragment{}, fmt.Errorf("envelope: reading 16-bit length: %w", err)
		}
		length = uint64(binary.BigEndian.Uint16(buf[:]))
	case sentinel64:
		var buf [8]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return Fragment{}, fmt.Errorf("envelope: reading 64-bit length: %w", err)
		}
		length = binary.BigEndian.Uint64(buf[:])
	default:
		length = uint64(low)
	}

	if d.maxSize > 0 && length > uint64(d.maxSize) {
		return Fragment{}, ErrTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Fragment{}, fmt.Errorf("envelope: reading payload: %w", err)
	}

	return Fragment{Payload: payload, More: more}, nil
}

// DecodeAll parses every envelope in data, reassembling runs of
// more-fragments envelopes into single logical messages. It returns an
// error if data ends mid-envelope or mid-message.
func DecodeAll(data []byte, maxSize int) ([][]byte, error) {
	r := NewReader(bytes.NewReader(data), maxSize)

	var messages [][]byte
	var current []byte
	for {
		frag, err := r.ReadFragment()
		if err == io.EOF {
			if current != nil {
				return nil, errors.New("envelope: truncated stream mid-message")
			}
			return messages, nil
		}
		if err != nil {
			return nil, err
		}
		current = append(current, frag.Payload...)
		if !frag.More {
			messages = append(messages, current)
			current = nil
		}
	}
}

