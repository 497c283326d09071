// Package compkey packs one or more typed fields into a fixed 128-bit key
// whose unsigned big-endian order matches the element-wise order of the
// packed fields.
package compkey

import (
	"encoding/binary"
	"fmt"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

// Size is the number of bytes a key can hold
const Size = 16

// Key holds up to 16 packed bytes in two words; byte 0 is the most
// significant byte of Hi.
type Key struct {
	Hi uint64
	Lo uint64
}

// Field is one value together with its declared byte width. A nullable
// field takes one extra leading presence byte, 0 for null and 1 otherwise,
// so null orders before every value.
type Field struct {
	Value    model.Value
	Width    int
	Nullable bool
}

// Size returns the bytes the field occupies in a key
func (f Field) Size() int {
	if f.Nullable {
		return f.Width + 1
	}
	return f.Width
}

// Pack concatenates the fields left to right.
//
// Integers are stored in offset binary at their declared width (sign bit
// flipped) so negative values order before positive ones. Strings and blobs
// are left aligned and zero padded. Dates pack days since 2000-01-01 in
// offset binary, datetimes and times pack their milliseconds the same way.
// Null is only accepted in nullable fields, where it packs as a zero
// presence byte followed by zero bytes.
func Pack(fields []Field) (Key, error) {
	var buf [Size]byte
	pos := 0
	for i, f := range fields {
		if f.Width <= 0 {
			return Key{}, storageerrors.KeyOverflow(fmt.Sprintf("field %d has non-positive width %d", i, f.Width))
		}
		if pos+f.Size() > Size {
			return Key{}, storageerrors.KeyOverflow(
				fmt.Sprintf("declared widths exceed %d bytes at field %d", Size, i))
		}
		null := f.Value.IsNull()
		if null && !f.Nullable {
			return Key{}, storageerrors.InvalidArgument(
				fmt.Sprintf("field %d is null but not declared nullable", i), nil)
		}
		if f.Nullable {
			if !null {
				buf[pos] = 1
			}
			pos++
		}
		if !null {
			if err := putField(buf[pos:pos+f.Width], f.Value); err != nil {
				return Key{}, storageerrors.KeyOverflow(fmt.Sprintf("field %d: %v", i, err))
			}
		}
		pos += f.Width
	}
	return FromBytes(buf[:]), nil
}

// MustPack is Pack for callers with statically valid widths
func MustPack(fields ...Field) Key {
	k, err := Pack(fields)
	if err != nil {
		panic(err)
	}
	return k
}

// PackRow packs the named positions of a row with one width per position.
// Fields are not nullable, so a null at any position fails.
func PackRow(r *model.Row, positions []int, widths []int) (Key, error) {
	if len(positions) != len(widths) {
		return Key{}, storageerrors.InvalidArgument("positions and widths differ in length", nil)
	}
	fields := make([]Field, len(positions))
	for i, p := range positions {
		fields[i] = Field{Value: r.Get(p), Width: widths[i]}
	}
	return Pack(fields)
}

func putField(dst []byte, v model.Value) error {
	w := len(dst)
	switch v.Kind() {
	case model.KindBool:
		if v.AsBool() {
			dst[w-1] = 1
		}
		return nil
	case model.KindInt, model.KindLong, model.KindTime, model.KindDateTime:
		return putSigned(dst, v.AsLong())
	case model.KindDate:
		return putSigned(dst, v.Days()-10957)
	case model.KindString, model.KindBytes:
		b := v.AsBytes()
		if len(b) > w {
			return fmt.Errorf("%d bytes do not fit width %d", len(b), w)
		}
		copy(dst, b)
		return nil
	}
	return fmt.Errorf("unsupported key field type %s", v.Kind())
}

func putSigned(dst []byte, n int64) error {
	w := len(dst)
	if w < 8 {
		bits := uint(w * 8)
		lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
		if n < lo || n > hi {
			return fmt.Errorf("value %d does not fit %d signed bytes", n, w)
		}
		u := uint64(n) + uint64(1)<<(bits-1)
		for i := w - 1; i >= 0; i-- {
			dst[i] = byte(u)
			u >>= 8
		}
		return nil
	}
	// wider than a word: sign extend, then flip the top bit
	fill := byte(0)
	if n < 0 {
		fill = 0xFF
	}
	for i := 0; i < w-8; i++ {
		dst[i] = fill
	}
	binary.BigEndian.PutUint64(dst[w-8:], uint64(n))
	dst[0] ^= 0x80
	return nil
}

// FromBytes builds a key from up to 16 bytes, zero padding on the right
func FromBytes(b []byte) Key {
	var buf [Size]byte
	copy(buf[:], b)
	return Key{
		Hi: binary.BigEndian.Uint64(buf[:8]),
		Lo: binary.BigEndian.Uint64(buf[8:]),
	}
}

// FromValue converts a key value produced by Value
func FromValue(v model.Value) (Key, bool) {
	if v.Kind() != model.KindKey {
		return Key{}, false
	}
	hi, lo := v.KeyWords()
	return Key{Hi: hi, Lo: lo}, true
}

// Value wraps the key as a typed value
func (k Key) Value() model.Value { return model.KeyValue(k.Hi, k.Lo) }

// Compare orders keys as unsigned 128-bit big-endian numbers
func Compare(a, b Key) int {
	switch {
	case a.Hi < b.Hi:
		return -1
	case a.Hi > b.Hi:
		return 1
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	}
	return 0
}

func (k Key) Compare(o Key) int { return Compare(k, o) }

// Equal is bitwise
func (k Key) Equal(o Key) bool { return k == o }

func (k Key) Less(o Key) bool { return Compare(k, o) < 0 }

// Array returns the 16 packed bytes
func (k Key) Array() [Size]byte {
	var buf [Size]byte
	binary.BigEndian.PutUint64(buf[:8], k.Hi)
	binary.BigEndian.PutUint64(buf[8:], k.Lo)
	return buf
}

// Byte returns byte i, 0 being the most significant
func (k Key) Byte(i int) byte {
	if i < 8 {
		return byte(k.Hi >> (8 * uint(7-i)))
	}
	return byte(k.Lo >> (8 * uint(15-i)))
}

// Bytes returns bytes [start, end)
func (k Key) Bytes(start, end int) []byte {
	buf := k.Array()
	out := make([]byte, end-start)
	copy(out, buf[start:end])
	return out
}

// Int reconstructs a signed integer packed at [start, start+width)
func (k Key) Int(start, width int) int64 {
	b := k.Bytes(start, start+width)
	if width >= 8 {
		b[0] ^= 0x80
		return int64(binary.BigEndian.Uint64(b[width-8:]))
	}
	var u uint64
	for _, c := range b {
		u = u<<8 | uint64(c)
	}
	bits := uint(width * 8)
	return int64(u - uint64(1)<<(bits-1))
}

// Str reconstructs a string packed at [start, start+width), trimming the
// zero padding
func (k Key) Str(start, width int) string {
	b := k.Bytes(start, start+width)
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Hi, k.Lo)
}
