// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"bytes"
	"fmt"
)

// Frame layout: [start][opcode][length][payload ...][checksum ...]
const (
	frameHeaderLen = 3
	idxOpcode      = 1
	idxLength      = 2
)

// Frame is one decoded response. Opcode is only meaningful when Framed is set.
type Frame struct {
	Framed  bool
	Opcode  byte
	Payload []byte
}

// String provides a string representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("FRAME<op=0x%02X len=%d [% X]>", f.Opcode, len(f.Payload), f.Payload)
}

// Checksum computes the trailer of a framed packet over all preceding bytes.
type Checksum interface {
	Size() int
	Sum(data []byte) []byte
}

// Sum8 is the 8-bit additive checksum (sum of bytes, truncated).
type Sum8 struct{}

// Size implements Checksum.
func (Sum8) Size() int { return 1 }

// Sum implements Checksum.
func (Sum8) Sum(data []byte) []byte {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return []byte{byte(sum)} // Truncate to 8 bits
}

// Xor8 is the longitudinal XOR of all bytes.
type Xor8 struct{}

// Size implements Checksum.
func (Xor8) Size() int { return 1 }

// Sum implements Checksum.
func (Xor8) Sum(data []byte) []byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return []byte{x}
}

// SumXor is the additive sum followed by the XOR, two bytes in total.
type SumXor struct{}

// Size implements Checksum.
func (SumXor) Size() int { return 2 }

// Sum implements Checksum.
func (SumXor) Sum(data []byte) []byte {
	return append(Sum8{}.Sum(data), Xor8{}.Sum(data)...)
}

// FrameFormat describes one checksum-framed protocol.
type FrameFormat struct {
	Start      byte
	Checksum   Checksum
	MaxPayload int
}

func (c FrameFormat) maxPayload() int {
	if c.MaxPayload <= 0 || c.MaxPayload > MaxPayloadLenMax {
		return MaxPayloadLenMax
	}
	return c.MaxPayload
}

func (c FrameFormat) checksum() Checksum {
	if c.Checksum == nil {
		return Sum8{}
	}
	return c.Checksum
}

// Marshal encodes opcode and payload into a complete packet.
func (c FrameFormat) Marshal(opcode byte, payload []byte) ([]byte, error) {
	if len(payload) > c.maxPayload() {
		return nil, fmt.Errorf("%w: payload %d > %d", ErrFrameLenExceeded, len(payload), c.maxPayload())
	}
	cs := c.checksum()
	buf := make([]byte, 0, frameHeaderLen+len(payload)+cs.Size())
	buf = append(buf, c.Start, opcode, byte(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, cs.Sum(buf)...)
	return buf, nil
}

// Unmarshal decodes exactly one packet. Trailing bytes are an error.
func (c FrameFormat) Unmarshal(data []byte) (Frame, error) {
	cs := c.checksum()
	if len(data) < frameHeaderLen+cs.Size() {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if data[0] != c.Start {
		return Frame{}, fmt.Errorf("%w: start 0x%02X", ErrMalformed, data[0])
	}
	n := int(data[idxLength])
	if n > c.maxPayload() {
		return Frame{}, fmt.Errorf("%w: L=%d", ErrFrameLenExceeded, n)
	}
	total := frameHeaderLen + n + cs.Size()
	if len(data) != total {
		return Frame{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, total, len(data))
	}
	want := cs.Sum(data[:frameHeaderLen+n])
	if !bytes.Equal(want, data[frameHeaderLen+n:]) {
		return Frame{}, fmt.Errorf("%w: expected [% X], got [% X]", ErrChecksumMismatch, want, data[frameHeaderLen+n:])
	}
	return Frame{
		Framed:  true,
		Opcode:  data[idxOpcode],
		Payload: append([]byte(nil), data[frameHeaderLen:frameHeaderLen+n]...),
	}, nil
}

// FramedCodec extracts framed packets from a byte stream. Partial frames are
// kept across calls; corrupt candidates are skipped one byte at a time. An
// incomplete candidate is dropped as soon as a later start marker begins a
// complete valid frame, so a corrupted length byte cannot stall the stream.
type FramedCodec struct {
	format FrameFormat
	buf    []byte
}

// NewFramedCodec creates a streaming codec for the given format.
func NewFramedCodec(format FrameFormat) *FramedCodec {
	return &FramedCodec{format: format}
}

// SetMaxPayload lowers the largest accepted payload to n.
func (d *FramedCodec) SetMaxPayload(n int) {
	if n > 0 && n < d.format.maxPayload() {
		d.format.MaxPayload = n
	}
}

// Encode implements Codec.
func (d *FramedCodec) Encode(cmd Command) ([]byte, error) {
	return d.format.Marshal(cmd.Opcode, cmd.Payload)
}

// Decode implements Codec.
func (d *FramedCodec) Decode(data []byte) (frames []Frame, malformed int) {
	d.buf = append(d.buf, data...)
	cs := d.format.checksum()
	minLen := frameHeaderLen + cs.Size()

	for {
		i := bytes.IndexByte(d.buf, d.format.Start)
		if i < 0 {
			d.buf = d.buf[:0]
			break
		}
		d.buf = d.buf[i:]
		if len(d.buf) < minLen {
			break
		}
		n := int(d.buf[idxLength])
		if n > d.format.maxPayload() {
			d.buf = d.buf[1:]
			malformed++
			continue
		}
		total := frameHeaderLen + n + cs.Size()
		if len(d.buf) < total {
			if j := d.nextValid(cs); j > 0 {
				d.buf = d.buf[j:]
				malformed++
				continue
			}
			break
		}
		if !bytes.Equal(cs.Sum(d.buf[:frameHeaderLen+n]), d.buf[frameHeaderLen+n:total]) {
			d.buf = d.buf[1:]
			malformed++
			continue
		}
		frames = append(frames, Frame{
			Framed:  true,
			Opcode:  d.buf[idxOpcode],
			Payload: append([]byte(nil), d.buf[frameHeaderLen:frameHeaderLen+n]...),
		})
		d.buf = d.buf[total:]
	}
	d.compact()
	return frames, malformed
}

// nextValid returns the offset of the first start marker after the head of
// the buffer that begins a complete frame with a good checksum, or -1.
func (d *FramedCodec) nextValid(cs Checksum) int {
	for j := 1; j < len(d.buf); j++ {
		if d.buf[j] == d.format.Start && d.validAt(d.buf[j:], cs) {
			return j
		}
	}
	return -1
}

func (d *FramedCodec) validAt(b []byte, cs Checksum) bool {
	if len(b) < frameHeaderLen+cs.Size() {
		return false
	}
	n := int(b[idxLength])
	if n > d.format.maxPayload() {
		return false
	}
	total := frameHeaderLen + n + cs.Size()
	if len(b) < total {
		return false
	}
	return bytes.Equal(cs.Sum(b[:frameHeaderLen+n]), b[frameHeaderLen+n:total])
}

// compact moves the unconsumed tail to the front so the backing array does not grow forever.
func (d *FramedCodec) compact() {
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
		return
	}
	if cap(d.buf) > 4*MaxPayloadLenMax {
		d.buf = append([]byte(nil), d.buf...)
	}
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *FramedCodec) Buffered() int {
	return len(d.buf)
}

// Reset implements Codec.
func (d *FramedCodec) Reset() {
	d.buf = nil
}

// RawCodec writes the opcode followed by the payload and treats every
// arrival as one complete response with no envelope.
type RawCodec struct{}

// Encode implements Codec.
func (RawCodec) Encode(cmd Command) ([]byte, error) {
	return append([]byte{cmd.Opcode}, cmd.Payload...), nil
}

// Decode implements Codec.
func (RawCodec) Decode(data []byte) ([]Frame, int) {
	if len(data) == 0 {
		return nil, 0
	}
	return []Frame{{Payload: append([]byte(nil), data...)}}, 0
}

// Reset implements Codec.
func (RawCodec) Reset() {}
