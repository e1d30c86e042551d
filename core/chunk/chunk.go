// Package chunk implements the on-air frame format: a fixed 16-byte header
// followed by an opaque body. Data chunks carry slices of an encoded
// envelope; control chunks (ACK or NACK flag set) carry control strings or
// a missing-sequence bitmap and bypass the envelope codec entirely.
//
// Header layout, network byte order:
//
//	offset 0  magic   "MB" (2 bytes)
//	offset 2  version 1    (1 byte)
//	offset 3  flags        (1 byte: 0x01 ACK, 0x02 NACK)
//	offset 4  id prefix    (8 bytes: first 8 UTF-8 bytes of the envelope
//	                        id, right-padded with 0x00)
//	offset 12 sequence     (uint16, 1-based)
//	offset 14 total        (uint16)
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	Magic   = "MB"
	Version = 1

	FlagAck  uint8 = 0x01
	FlagNack uint8 = 0x02

	// HeaderSize is the fixed frame header length.
	HeaderSize = 16
	// MaxChunkSize is the hard ceiling on a complete frame, conservative
	// for Meshtastic-class radios.
	MaxChunkSize = 230
	// DefaultSegmentSize is the default body ceiling for outgoing data
	// chunks, leaving headroom under MaxChunkSize with the header applied.
	DefaultSegmentSize = 210

	// PrefixSize is the length of the message-id prefix carried in the
	// header. Prefix collisions are possible; reassembly pairs the prefix
	// with the sender node id.
	PrefixSize = 8
)

var ErrInvalidFrame = errors.New("invalid frame")

// Chunk is a parsed or to-be-encoded frame.
type Chunk struct {
	Flags uint8
	// Prefix is the message-id prefix with trailing NUL padding removed.
	Prefix string
	Seq    uint16
	Total  uint16
	Body   []byte
}

// IsControl reports whether the chunk carries control traffic rather than
// envelope data.
func (c *Chunk) IsControl() bool {
	return c.Flags&(FlagAck|FlagNack) != 0
}

// Prefix returns the 8-byte header prefix for a message id: the first 8
// UTF-8 bytes, without padding. Deterministic for a given id.
func Prefix(id string) string {
	b := []byte(id)
	if len(b) > PrefixSize {
		b = b[:PrefixSize]
	}
	return string(b)
}

// Encode serializes the chunk into a wire frame.
func (c *Chunk) Encode() []byte {
	frame := make([]byte, HeaderSize+len(c.Body))
	copy(frame[0:2], Magic)
	frame[2] = Version
	frame[3] = c.Flags
	copy(frame[4:12], c.Prefix) // remainder stays zero-padded
	binary.BigEndian.PutUint16(frame[12:14], c.Seq)
	binary.BigEndian.PutUint16(frame[14:16], c.Total)
	copy(frame[HeaderSize:], c.Body)
	return frame
}

// Parse decodes a wire frame. The body is copied out of the input slice.
func Parse(frame []byte) (*Chunk, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d header bytes",
			ErrInvalidFrame, len(frame), HeaderSize)
	}
	if string(frame[0:2]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %02x%02x", ErrInvalidFrame, frame[0], frame[1])
	}
	if frame[2] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, frame[2])
	}
	flags := frame[3]
	if flags != 0 && flags != FlagAck && flags != FlagNack {
		return nil, fmt.Errorf("%w: bad flags %#02x", ErrInvalidFrame, flags)
	}
	seq := binary.BigEndian.Uint16(frame[12:14])
	total := binary.BigEndian.Uint16(frame[14:16])
	if seq == 0 || total == 0 || seq > total {
		return nil, fmt.Errorf("%w: sequence %d of %d", ErrInvalidFrame, seq, total)
	}

	body := make([]byte, len(frame)-HeaderSize)
	copy(body, frame[HeaderSize:])

	return &Chunk{
		Flags:  flags,
		Prefix: strings.TrimRight(string(frame[4:12]), "\x00"),
		Seq:    seq,
		Total:  total,
		Body:   body,
	}, nil
}

// Split slices an encoded envelope payload into data chunks of at most
// segmentSize body bytes, sequence-numbered 1..N.
func Split(id string, payload []byte, segmentSize int) []*Chunk {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if len(payload) == 0 {
		return nil
	}

	total := (len(payload) + segmentSize - 1) / segmentSize
	prefix := Prefix(id)
	chunks := make([]*Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * segmentSize
		end := min(start+segmentSize, len(payload))
		chunks = append(chunks, &Chunk{
			Prefix: prefix,
			Seq:    uint16(i + 1),
			Total:  uint16(total),
			Body:   payload[start:end],
		})
	}
	return chunks
}
