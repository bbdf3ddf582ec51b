// Package feed ingests order events from capture files and network
// transports and hands them to the engine.
package feed

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"bookpipe/internal/event"
)

// Frame layout on files and TCP streams: a 4-byte big-endian payload
// length, a 4-byte IEEE CRC32 of the payload, then the JSON payload.
// Message transports (NATS, Kafka) carry the bare payload; the broker
// already frames and checksums.
const (
	frameHeaderSize = 8

	// MaxFrameSize caps a single frame. Anything larger is corrupt
	// framing, not a real event.
	MaxFrameSize = 1 << 20
)

// ErrChecksum flags a frame whose payload does not match its CRC. The
// framing itself was intact, so the caller may skip to the next frame.
var ErrChecksum = errors.New("frame checksum mismatch")

// ErrBadPayload flags a frame that passed its CRC but did not parse.
// Skippable for the same reason as ErrChecksum.
var ErrBadPayload = errors.New("frame payload invalid")

// EncodeEvent renders the bare payload used on message transports.
func EncodeEvent(ev *event.OrderEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent parses a bare payload into ev.
func DecodeEvent(data []byte, ev *event.OrderEvent) error {
	return json.Unmarshal(data, ev)
}

// Encoder writes length-and-CRC framed events to a stream.
type Encoder struct {
	w      io.Writer
	header [frameHeaderSize]byte
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode frames and writes one event.
func (e *Encoder) Encode(ev *event.OrderEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}

	binary.BigEndian.PutUint32(e.header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(e.header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := e.w.Write(e.header[:]); err != nil {
		return err
	}
	_, err = e.w.Write(payload)
	return err
}

// Decoder reads framed events from a stream, reusing one payload
// buffer across frames.
type Decoder struct {
	r   io.Reader
	buf []byte
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads one frame into ev. It returns io.EOF at a clean frame
// boundary, io.ErrUnexpectedEOF for a torn frame, and ErrChecksum when
// the payload is damaged but the stream can continue.
func (d *Decoder) Next(ev *event.OrderEvent) error {
	// ReadFull yields io.EOF only when nothing was read, which is the
	// clean end of a capture.
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length == 0 || length > MaxFrameSize {
		return fmt.Errorf("frame length %d out of range", length)
	}

	if cap(d.buf) < int(length) {
		d.buf = make([]byte, length)
	}
	d.buf = d.buf[:length]
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		// A header without its payload is a torn frame either way.
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if crc32.ChecksumIEEE(d.buf) != sum {
		return fmt.Errorf("%w: payload of %d bytes", ErrChecksum, length)
	}
	if err := DecodeEvent(d.buf, ev); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
