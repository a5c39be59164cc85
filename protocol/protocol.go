// Package protocol implements the UTP packet layout and the binary primitives
// the codec builds payloads from.
//
// A packet is one of two shapes. PING and PONG (schema index 0 and 1) use the
// 4-byte short form, everything else carries a 10-byte header followed by the
// payload encoded field by field in schema order:
//
//	short form (4 bytes)
//	┌─────────────┬─────────────┐
//	│ schemaIndex │ packetIndex │
//	│   uint16    │   uint16    │
//	└─────────────┴─────────────┘
//
//	general form
//	0             2             4             6                10
//	┌─────────────┬─────────────┬─────────────┬────────────────┬───────────────┐
//	│ schemaIndex │ packetIndex │   version   │   totalSize    │  payload ...  │
//	│   uint16    │   uint16    │   uint16    │     uint32     │               │
//	└─────────────┴─────────────┴─────────────┴────────────────┴───────────────┘
//
// totalSize counts the header too, so a packet with an empty payload (HELLO)
// is exactly 10 bytes long. All integers are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ShortSize  = 4  // schemaIndex + packetIndex
	HeaderSize = 10 // schemaIndex + packetIndex + version + totalSize

	// MaxPacketIndex is the last packet index handed out before the counter wraps to 0.
	MaxPacketIndex = 55555

	// DefaultMaxPacketSize bounds ReadPacket allocations.
	DefaultMaxPacketSize uint32 = 16 * 1024 * 1024
)

// Header is the fixed part of a packet. Version and Size are zero for the short form.
type Header struct {
	SchemaIndex uint16
	PacketIndex uint16
	Version     uint16
	Size        uint32
}

// IsShortForm reports whether packets of the given schema index use the
// 4-byte layout (PING and PONG).
func IsShortForm(schemaIndex uint16) bool {
	return schemaIndex < 2
}

// AppendShort appends a short-form packet.
func AppendShort(dst []byte, schemaIndex, packetIndex uint16) []byte {
	dst = binary.BigEndian.AppendUint16(dst, schemaIndex)
	return binary.BigEndian.AppendUint16(dst, packetIndex)
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h Header) {
	_ = buf[HeaderSize-1]
	binary.BigEndian.PutUint16(buf[0:2], h.SchemaIndex)
	binary.BigEndian.PutUint16(buf[2:4], h.PacketIndex)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint32(buf[6:10], h.Size)
}

// DecodeShort parses a short-form packet.
func DecodeShort(b []byte) (Header, error) {
	if len(b) != ShortSize {
		return Header{}, fmt.Errorf("%w: short packet must be %d bytes, got %d", ErrIncorrectPacketSize, ShortSize, len(b))
	}
	return Header{
		SchemaIndex: binary.BigEndian.Uint16(b[0:2]),
		PacketIndex: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// DecodeHeader parses the general-form header at the start of b.
// It does not compare Size with len(b); the codec does that.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrIncorrectPacketSize, len(b), HeaderSize)
	}
	return Header{
		SchemaIndex: binary.BigEndian.Uint16(b[0:2]),
		PacketIndex: binary.BigEndian.Uint16(b[2:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Size:        binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

// WritePacket writes one encoded packet to w.
// The caller must serialize writes if several goroutines share w.
func WritePacket(w io.Writer, packet []byte) error {
	if len(packet) != ShortSize && len(packet) < HeaderSize {
		return fmt.Errorf("%w: cannot write %d byte packet", ErrIncorrectPacketSize, len(packet))
	}
	_, err := w.Write(packet)
	return err
}

// ReadPacket reads exactly one packet from r. The first four bytes decide
// the layout: a PING/PONG schema index ends the packet there, anything else
// is followed by the rest of the header and totalSize-10 payload bytes.
func ReadPacket(r io.Reader, maxSize uint32) ([]byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head[:ShortSize]); err != nil {
		return nil, err
	}
	if IsShortForm(binary.BigEndian.Uint16(head[0:2])) {
		return head[:ShortSize], nil
	}
	if _, err := io.ReadFull(r, head[ShortSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	h, err := DecodeHeader(head)
	if err != nil {
		return nil, err
	}
	if h.Size < HeaderSize {
		return nil, fmt.Errorf("%w: header declares %d bytes", ErrIncorrectPacketSize, h.Size)
	}
	if maxSize > 0 && h.Size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrIncorrectPacketSize, h.Size, maxSize)
	}
	packet := make([]byte, h.Size)
	copy(packet, head)
	if _, err := io.ReadFull(r, packet[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return packet, nil
}
