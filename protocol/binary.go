package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	// MaxSafeInteger is the largest integer a 64-bit field carries without
	// loss: 64-bit integers travel as IEEE-754 doubles.
	MaxSafeInteger = 1<<53 - 1

	// MaxLength is the largest length or count a uint32 prefix can carry.
	MaxLength = math.MaxUint32

	lengthSize = 4
)

// Format describes how a fixed-width number is laid out.
type Format struct {
	Bits   uint8
	Signed bool
	Float  bool
}

// Size returns the encoded width in bytes.
func (f Format) Size() int {
	return int(f.Bits) / 8
}

func (f Format) check() error {
	if f.Float {
		if f.Bits != 32 && f.Bits != 64 {
			return fmt.Errorf("%w: unsupported float width %d", ErrInvalidInputData, f.Bits)
		}
		return nil
	}
	switch f.Bits {
	case 8, 16, 32, 64:
		return nil
	}
	return fmt.Errorf("%w: unsupported integer width %d", ErrInvalidInputData, f.Bits)
}

// AppendInt appends v using format f. Integer formats of 8/16/32 bits are
// range checked; 64-bit integers are written as a double and must stay
// within ±MaxSafeInteger.
func AppendInt(dst []byte, v int64, f Format) ([]byte, error) {
	if err := f.check(); err != nil {
		return dst, err
	}
	if f.Float {
		return AppendFloat(dst, float64(v), f)
	}
	lo, hi := intRange(f)
	if v < lo || v > hi {
		return dst, fmt.Errorf("%w: %d out of range for %d-bit integer", ErrInvalidInputDataValue, v, f.Bits)
	}
	switch f.Bits {
	case 8:
		return append(dst, byte(v)), nil
	case 16:
		return binary.BigEndian.AppendUint16(dst, uint16(v)), nil
	case 32:
		return binary.BigEndian.AppendUint32(dst, uint32(v)), nil
	default:
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(v))), nil
	}
}

// AppendFloat appends v as a 32 or 64-bit IEEE-754 value. Integer formats
// are accepted when v is integral.
func AppendFloat(dst []byte, v float64, f Format) ([]byte, error) {
	if err := f.check(); err != nil {
		return dst, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return dst, fmt.Errorf("%w: %v is not finite", ErrInvalidInputDataValue, v)
	}
	if !f.Float {
		if v != math.Trunc(v) {
			return dst, fmt.Errorf("%w: %v is not an integer", ErrInvalidInputDataType, v)
		}
		if math.Abs(v) > MaxSafeInteger {
			return dst, fmt.Errorf("%w: %v is outside the safe integer range", ErrInvalidInputDataValue, v)
		}
		return AppendInt(dst, int64(v), f)
	}
	if f.Bits == 32 {
		return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(v))), nil
	}
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(v)), nil
}

func intRange(f Format) (int64, int64) {
	if f.Bits == 64 {
		return -MaxSafeInteger, MaxSafeInteger
	}
	if f.Signed {
		return -(1 << (f.Bits - 1)), 1<<(f.Bits-1) - 1
	}
	return 0, 1<<f.Bits - 1
}

// AppendUint16 appends a big-endian uint16.
func AppendUint16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

// AppendLength appends a uint32 length or element count.
func AppendLength(dst []byte, n int) ([]byte, error) {
	if n < 0 || uint64(n) > MaxLength {
		return dst, fmt.Errorf("%w: length %d exceeds %d", ErrInvalidInputDataValue, n, uint64(MaxLength))
	}
	return binary.BigEndian.AppendUint32(dst, uint32(n)), nil
}

// AppendBytes appends b prefixed with its uint32 length.
func AppendBytes(dst []byte, b []byte) ([]byte, error) {
	dst, err := AppendLength(dst, len(b))
	if err != nil {
		return dst, err
	}
	return append(dst, b...), nil
}

// AppendString appends s as length-prefixed UTF-8.
func AppendString(dst []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return dst, fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidInputDataValue)
	}
	dst, err := AppendLength(dst, len(s))
	if err != nil {
		return dst, err
	}
	return append(dst, s...), nil
}

// Cursor reads a packet front to back. Every read is bounds checked and
// advances the offset; short data fails with ErrInvalidBinaryData.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor positioned at off.
func NewCursor(buf []byte, off int) *Cursor {
	return &Cursor{buf: buf, off: off}
}

// Offset returns the position of the next unread byte.
func (c *Cursor) Offset() int {
	return c.off
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.off
}

// Next consumes n bytes. The returned slice aliases the packet.
func (c *Cursor) Next(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrInvalidBinaryData, n, c.off, c.Remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// ReadUint8 consumes one byte.
func (c *Cursor) ReadUint8() (uint8, error) {
	b, err := c.Next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 consumes a big-endian uint16.
func (c *Cursor) ReadUint16() (uint16, error) {
	b, err := c.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadLength consumes a uint32 length or element count.
func (c *Cursor) ReadLength() (uint32, error) {
	b, err := c.Next(lengthSize)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadInt consumes an integer laid out per f.
func (c *Cursor) ReadInt(f Format) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if f.Float || f.Bits == 64 {
		v, err := c.readDouble(f)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxSafeInteger || v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %v is not a safe integer", ErrInvalidBinaryData, v)
		}
		return int64(v), nil
	}
	b, err := c.Next(f.Size())
	if err != nil {
		return 0, err
	}
	switch f.Bits {
	case 8:
		if f.Signed {
			return int64(int8(b[0])), nil
		}
		return int64(b[0]), nil
	case 16:
		if f.Signed {
			return int64(int16(binary.BigEndian.Uint16(b))), nil
		}
		return int64(binary.BigEndian.Uint16(b)), nil
	default:
		if f.Signed {
			return int64(int32(binary.BigEndian.Uint32(b))), nil
		}
		return int64(binary.BigEndian.Uint32(b)), nil
	}
}

// ReadFloat consumes a float laid out per f. Integer formats are widened.
func (c *Cursor) ReadFloat(f Format) (float64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if !f.Float {
		n, err := c.ReadInt(f)
		return float64(n), err
	}
	return c.readDouble(f)
}

func (c *Cursor) readDouble(f Format) (float64, error) {
	if f.Float && f.Bits == 32 {
		b, err := c.Next(4)
		if err != nil {
			return 0, err
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	}
	b, err := c.Next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// ReadBytes consumes a length-prefixed byte string and returns a copy.
func (c *Cursor) ReadBytes() ([]byte, error) {
	n, err := c.ReadLength()
	if err != nil {
		return nil, err
	}
	b, err := c.Next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadString consumes a length-prefixed UTF-8 string.
func (c *Cursor) ReadString() (string, error) {
	n, err := c.ReadLength()
	if err != nil {
		return "", err
	}
	b, err := c.Next(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidBinaryData)
	}
	return string(b), nil
}
