package binio

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderPrimitives(t *testing.T) {
	w := NewWriter(64)
	w.WriteBool(true)
	w.WriteInt8(-3)
	w.WriteUint16(0xBEEF)
	w.WriteInt32(-1)
	w.WriteUint64(math.MaxUint64)
	w.WriteFloat32(1.5)
	w.WriteFloat64(-0.25)
	w.WriteString("héllo")
	w.WritePrefixed([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	b, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)

	i8, err := r.ReadInt8()
	require.NoError(t, err)
	assert.Equal(t, int8(-3), i8)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u16)

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), i32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), u64)

	f32, err := r.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), f32)

	f64, err := r.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, -0.25, f64)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	p, err := r.ReadPrefixed()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, p)
	assert.Equal(t, 0, r.Remaining())
}

func TestLittleEndianLayout(t *testing.T) {
	w := NewWriter(4)
	w.WriteInt32(1)
	assert.Equal(t, []byte{1, 0, 0, 0}, w.Bytes())
}

func TestReaderShortBufferDoesNotAdvance(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.ReadInt32()
	require.True(t, errors.Is(err, ErrShortBuffer))
	assert.Equal(t, 0, r.Offset())

	v, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v)
}

func TestReadPrefixedRejectsBadLengths(t *testing.T) {
	w := NewWriter(8)
	w.WriteInt32(-5)
	_, err := NewReader(w.Bytes()).ReadPrefixed()
	assert.True(t, errors.Is(err, ErrNegativeLen))

	w.Reset()
	w.WriteInt32(MaxLen + 1)
	_, err = NewReader(w.Bytes()).ReadPrefixed()
	assert.True(t, errors.Is(err, ErrTooLarge))

	w.Reset()
	w.WriteInt32(10)
	w.WriteUint8(1)
	r := NewReader(w.Bytes())
	_, err = r.ReadPrefixed()
	assert.True(t, errors.Is(err, ErrShortBuffer))
	assert.Equal(t, 0, r.Offset())
}

func TestReadBoolRejectsGarbage(t *testing.T) {
	_, err := NewReader([]byte{7}).ReadBool()
	assert.Error(t, err)
}

func TestReadPrefixedCopies(t *testing.T) {
	w := NewWriter(8)
	w.WritePrefixed([]byte{9, 9})
	src := w.Bytes()
	got, err := NewReader(src).ReadPrefixed()
	require.NoError(t, err)
	src[4] = 0
	assert.Equal(t, []byte{9, 9}, got)
}
