// Package codec provides a cursor-based reader/writer over a fixed byte
// buffer. Reads and writes past the end of the buffer set a sticky error
// instead of panicking; callers check Err once after a sequence of calls.
//
// Primitives without a suffix are little-endian. The BE variants exist for
// the few legacy fields documented as big-endian.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is the sticky error set when a read or write would cross
// the end of the buffer.
var ErrShortBuffer = errors.New("codec: short buffer")

// Buffer is a read or write cursor over a fixed byte slice.
type Buffer struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a cursor positioned at the start of data.
func NewReader(data []byte) *Buffer {
	return &Buffer{buf: data}
}

// NewWriter returns a cursor over a zeroed buffer of exactly size bytes.
// The buffer never grows.
func NewWriter(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Err returns the sticky error, or nil.
func (b *Buffer) Err() error { return b.err }

// Pos returns the cursor position.
func (b *Buffer) Pos() int { return b.pos }

// Len returns the total buffer size.
func (b *Buffer) Len() int { return len(b.buf) }

// Remaining returns the number of bytes between the cursor and the end.
func (b *Buffer) Remaining() int {
	if b.pos >= len(b.buf) {
		return 0
	}
	return len(b.buf) - b.pos
}

// Bytes returns the bytes written so far.
func (b *Buffer) Bytes() []byte { return b.buf[:b.pos] }

// Rest returns the unread tail without advancing the cursor.
func (b *Buffer) Rest() []byte {
	if b.pos >= len(b.buf) {
		return nil
	}
	return b.buf[b.pos:]
}

// take reserves n bytes at the cursor. On overflow it sets the sticky error
// and returns nil; once the error is set every subsequent call fails.
func (b *Buffer) take(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || n > len(b.buf)-b.pos {
		b.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, b.pos, len(b.buf)-b.pos)
		return nil
	}
	p := b.buf[b.pos : b.pos+n]
	b.pos += n
	return p
}

// Skip advances the cursor by n bytes.
func (b *Buffer) Skip(n int) { b.take(n) }

// --- read ---

func (b *Buffer) Uint8() uint8 {
	p := b.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (b *Buffer) Uint16() uint16 {
	p := b.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (b *Buffer) Uint24() uint32 {
	return uint32(b.UintN(3))
}

func (b *Buffer) Uint32() uint32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (b *Buffer) Uint64() uint64 {
	p := b.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// UintN reads an n-byte (1..8) little-endian unsigned integer.
func (b *Buffer) UintN(n int) uint64 {
	if n < 1 || n > 8 {
		if b.err == nil {
			b.err = fmt.Errorf("codec: invalid integer width %d", n)
		}
		return 0
	}
	p := b.take(n)
	if p == nil {
		return 0
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(p[i])
	}
	return v
}

func (b *Buffer) Int8() int8 { return int8(b.Uint8()) }

func (b *Buffer) Int16() int16 { return int16(b.Uint16()) }

func (b *Buffer) Int32() int32 { return int32(b.Uint32()) }

// IntN reads an n-byte little-endian two's complement integer and sign
// extends it to 64 bits.
func (b *Buffer) IntN(n int) int64 {
	v := b.UintN(n)
	if b.err != nil {
		return 0
	}
	shift := uint(64 - 8*n)
	return int64(v<<shift) >> shift
}

func (b *Buffer) Uint16BE() uint16 {
	p := b.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (b *Buffer) Uint32BE() uint32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

// ReadBytes reads n raw bytes. The returned slice aliases the buffer.
func (b *Buffer) ReadBytes(n int) []byte {
	return b.take(n)
}

// ReadString reads a string with a one-byte length prefix. A length of 0xFF
// is the ZCL "invalid" marker and yields an empty string.
func (b *Buffer) ReadString() string {
	n := int(b.Uint8())
	if n == 0xFF {
		return ""
	}
	p := b.take(n)
	if p == nil {
		return ""
	}
	return string(p)
}

// ReadLongString reads a string with a two-byte length prefix.
func (b *Buffer) ReadLongString() string {
	n := int(b.Uint16())
	if n == 0xFFFF {
		return ""
	}
	p := b.take(n)
	if p == nil {
		return ""
	}
	return string(p)
}

// --- write ---

func (b *Buffer) PutUint8(v uint8) {
	if p := b.take(1); p != nil {
		p[0] = v
	}
}

func (b *Buffer) PutUint16(v uint16) {
	if p := b.take(2); p != nil {
		binary.LittleEndian.PutUint16(p, v)
	}
}

func (b *Buffer) PutUint24(v uint32) { b.PutUintN(uint64(v), 3) }

func (b *Buffer) PutUint32(v uint32) {
	if p := b.take(4); p != nil {
		binary.LittleEndian.PutUint32(p, v)
	}
}

func (b *Buffer) PutUint64(v uint64) {
	if p := b.take(8); p != nil {
		binary.LittleEndian.PutUint64(p, v)
	}
}

// PutUintN writes the low n bytes (1..8) of v little-endian.
func (b *Buffer) PutUintN(v uint64, n int) {
	if n < 1 || n > 8 {
		if b.err == nil {
			b.err = fmt.Errorf("codec: invalid integer width %d", n)
		}
		return
	}
	p := b.take(n)
	if p == nil {
		return
	}
	for i := 0; i < n; i++ {
		p[i] = byte(v >> (8 * i))
	}
}

func (b *Buffer) PutInt8(v int8) { b.PutUint8(uint8(v)) }

func (b *Buffer) PutInt16(v int16) { b.PutUint16(uint16(v)) }

func (b *Buffer) PutInt32(v int32) { b.PutUint32(uint32(v)) }

func (b *Buffer) PutUint16BE(v uint16) {
	if p := b.take(2); p != nil {
		binary.BigEndian.PutUint16(p, v)
	}
}

func (b *Buffer) PutUint32BE(v uint32) {
	if p := b.take(4); p != nil {
		binary.BigEndian.PutUint32(p, v)
	}
}

func (b *Buffer) PutBytes(v []byte) {
	if p := b.take(len(v)); p != nil {
		copy(p, v)
	}
}

// PutString writes s with a one-byte length prefix. Strings longer than 254
// bytes set the sticky error.
func (b *Buffer) PutString(s string) {
	if len(s) > 0xFE {
		if b.err == nil {
			b.err = fmt.Errorf("codec: string too long: %d bytes", len(s))
		}
		return
	}
	b.PutUint8(uint8(len(s)))
	b.PutBytes([]byte(s))
}

// StringSize returns the encoded size of s written with PutString.
func StringSize(s string) int { return 1 + len(s) }
