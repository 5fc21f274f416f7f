// Package binio holds the byte-level building blocks every lockstep wire and
// log format is made of: fixed-width little-endian integers, bools and
// int32 length-prefixed byte strings.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxLen bounds any single length prefix read from the wire.
const MaxLen = 16 << 20

var (
	ErrShortBuffer = errors.New("binio: short buffer")
	ErrTooLarge    = errors.New("binio: length prefix too large")
	ErrNegativeLen = errors.New("binio: negative length prefix")
)

// Writer appends encoded values to an in-memory buffer. The zero value is ready to use.
type Writer struct {
	buf []byte
	tmp [8]byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }
func (w *Writer) Reset()        { w.buf = w.buf[:0] }

// Truncate drops everything written after the first n bytes.
func (w *Writer) Truncate(n int) {
	if n >= 0 && n < len(w.buf) {
		w.buf = w.buf[:n]
	}
}

// Write implements io.Writer so a Writer can feed hashes and encoders.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *Writer) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }
func (w *Writer) WriteInt8(v int8)   { w.buf = append(w.buf, byte(v)) }

func (w *Writer) WriteUint16(v uint16) {
	binary.LittleEndian.PutUint16(w.tmp[:2], v)
	w.buf = append(w.buf, w.tmp[:2]...)
}

func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }

func (w *Writer) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], v)
	w.buf = append(w.buf, w.tmp[:4]...)
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *Writer) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.tmp[:], v)
	w.buf = append(w.buf, w.tmp[:]...)
}

func (w *Writer) WriteInt64(v int64)     { w.WriteUint64(uint64(v)) }
func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// WritePrefixed writes an int32 length followed by b.
func (w *Writer) WritePrefixed(b []byte) {
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// Reader consumes values from a byte slice. Every read fails with
// ErrShortBuffer once the input is exhausted; the reader does not advance on
// failure.
type Reader struct {
	b   []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{b: b} }

func (r *Reader) Remaining() int { return len(r.b) - r.off }
func (r *Reader) Offset() int    { return r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLen
	}
	if r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d at offset %d, have %d", ErrShortBuffer, n, r.off, r.Remaining())
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p, nil
}

func (r *Reader) ReadByte() (byte, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("binio: invalid bool byte 0x%02x at offset %d", b, r.off-1)
}

func (r *Reader) ReadUint8() (uint8, error) { return r.ReadByte() }

func (r *Reader) ReadInt8() (int8, error) {
	b, err := r.ReadByte()
	return int8(b), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadLen reads an int32 length prefix and checks it against MaxLen and the
// remaining input.
func (r *Reader) ReadLen() (int, error) {
	start := r.off
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	switch {
	case n < 0:
		r.off = start
		return 0, fmt.Errorf("%w: %d at offset %d", ErrNegativeLen, n, start)
	case n > MaxLen:
		r.off = start
		return 0, fmt.Errorf("%w: %d at offset %d", ErrTooLarge, n, start)
	}
	return int(n), nil
}

// ReadPrefixed returns a copy of the next length-prefixed byte string.
func (r *Reader) ReadPrefixed() ([]byte, error) {
	start := r.off
	n, err := r.ReadLen()
	if err != nil {
		return nil, err
	}
	p, err := r.take(n)
	if err != nil {
		r.off = start
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

// ReadBytes returns a copy of the next n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	p, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	start := r.off
	n, err := r.ReadLen()
	if err != nil {
		return "", err
	}
	p, err := r.take(n)
	if err != nil {
		r.off = start
		return "", err
	}
	return string(p), nil
}

// Rest returns the unread tail without copying.
func (r *Reader) Rest() []byte {
	p := r.b[r.off:]
	r.off = len(r.b)
	return p
}
