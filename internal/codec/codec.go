// Package codec encodes typed values into a compact, self-describing byte
// form. Every encoded value starts with a tag byte (or a tag nibble carrying
// a small payload) and decoding dispatches purely on that tag.
package codec

import (
	"encoding/binary"
	"math"
	"math/big"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

// Tags. Families with a payload nibble are listed by their base value.
const (
	tagNull        byte = 0x00
	tagTrue        byte = 0x01
	tagFalse       byte = 0x02
	tagIntZero     byte = 0x03
	tagLongZero    byte = 0x04
	tagFloatZero   byte = 0x05
	tagDecimalZero byte = 0x06

	tagInt4   byte = 0x10
	tagInt12  byte = 0x20
	tagLong4  byte = 0x30
	tagLong12 byte = 0x40

	tagInt16  byte = 0x50
	tagInt32  byte = 0x51
	tagLong16 byte = 0x52
	tagLong32 byte = 0x53
	tagLong64 byte = 0x54

	tagDigits    byte = 0x60 // + length 1..30
	tagShortStr  byte = 0x80 // + length 0..31
	tagHexDigit  byte = 0xA0 // + hex value
	tagString    byte = 0xB0
	tagBytes     byte = 0xB1
	tagDecPos    byte = 0xB2
	tagDecNeg    byte = 0xB3
	tagFloat64   byte = 0xB4
	tagFloatCent byte = 0xB5

	tagDate16     byte = 0xC0
	tagDate24     byte = 0xC1
	tagDate32     byte = 0xC2
	tagDateSecs32 byte = 0xC3
	tagDateSecs64 byte = 0xC4

	tagTimeSecs   byte = 0xD0
	tagTimeMillis byte = 0xD1
	tagDTSecs     byte = 0xD2
	tagDTMillis   byte = 0xD3

	tagSeq    byte = 0xE0
	tagTable  byte = 0xE1
	tagRecord byte = 0xE2
	tagKey    byte = 0xE3
)

const (
	// MaxDigitString is the longest digit-only string packed two digits per byte
	MaxDigitString = 30

	// MaxShortString is the longest string whose length fits the tag
	MaxShortString = 31

	// FloatEpsilon bounds the relative error of the decimal-like float shortcut
	FloatEpsilon = 1e-9

	// epochDays is 2000-01-01 in days since 1970-01-01
	epochDays   = int64(10957)
	epochMillis = epochDays * 86400 * 1000
	secsPerDay  = int64(86400)
)

// Encode appends the encoding of v to dst
func Encode(dst []byte, v model.Value) ([]byte, error) {
	switch v.Kind() {
	case model.KindNull:
		return append(dst, tagNull), nil
	case model.KindBool:
		if v.AsBool() {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case model.KindInt:
		return encodeInt(dst, v.AsInt()), nil
	case model.KindLong:
		return encodeLong(dst, v.AsLong()), nil
	case model.KindFloat:
		return encodeFloat(dst, v.AsFloat()), nil
	case model.KindDecimal:
		return encodeDecimal(dst, v)
	case model.KindString:
		return encodeString(dst, v.AsString()), nil
	case model.KindBytes:
		b := v.AsBytes()
		dst = append(dst, tagBytes)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
		return append(dst, b...), nil
	case model.KindDate:
		return encodeDate(dst, v.Days()), nil
	case model.KindTime:
		return encodeTime(dst, v.Millis()), nil
	case model.KindDateTime:
		return encodeDateTime(dst, v.Millis()), nil
	case model.KindSeq:
		seq := v.AsSeq()
		dst = append(dst, tagSeq)
		dst = binary.AppendUvarint(dst, uint64(len(seq)))
		return EncodeValues(dst, seq)
	case model.KindTable:
		return encodeTable(dst, v.AsTable())
	case model.KindRecord:
		r := v.AsRecord()
		dst = append(dst, tagRecord)
		dst = encodeNames(dst, r.Schema())
		return EncodeValues(dst, r.Values())
	case model.KindKey:
		hi, lo := v.KeyWords()
		dst = append(dst, tagKey)
		dst = binary.BigEndian.AppendUint64(dst, hi)
		return binary.BigEndian.AppendUint64(dst, lo), nil
	}
	return dst, storageerrors.UnsupportedType(v.Kind())
}

// EncodeValues appends each value in order, without a count
func EncodeValues(dst []byte, values []model.Value) ([]byte, error) {
	var err error
	for _, v := range values {
		if dst, err = Encode(dst, v); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// EncodeRow appends the values of r; the schema is not written
func EncodeRow(dst []byte, r *model.Row) ([]byte, error) {
	return EncodeValues(dst, r.Values())
}

// Size returns the encoded length of v
func Size(v model.Value) (int, error) {
	b, err := Encode(nil, v)
	return len(b), err
}

func encodeInt(dst []byte, i int32) []byte {
	switch {
	case i == 0:
		return append(dst, tagIntZero)
	case i > 0 && i < 1<<4:
		return append(dst, tagInt4|byte(i))
	case i > 0 && i < 1<<12:
		return append(dst, tagInt12|byte(i>>8), byte(i))
	case i > 0 && i < 1<<16:
		dst = append(dst, tagInt16)
		return binary.BigEndian.AppendUint16(dst, uint16(i))
	}
	dst = append(dst, tagInt32)
	return binary.BigEndian.AppendUint32(dst, uint32(i))
}

func encodeLong(dst []byte, i int64) []byte {
	switch {
	case i == 0:
		return append(dst, tagLongZero)
	case i > 0 && i < 1<<4:
		return append(dst, tagLong4|byte(i))
	case i > 0 && i < 1<<12:
		return append(dst, tagLong12|byte(i>>8), byte(i))
	case i > 0 && i < 1<<16:
		dst = append(dst, tagLong16)
		return binary.BigEndian.AppendUint16(dst, uint16(i))
	case i > 0 && i < 1<<32:
		dst = append(dst, tagLong32)
		return binary.BigEndian.AppendUint32(dst, uint32(i))
	}
	dst = append(dst, tagLong64)
	return binary.BigEndian.AppendUint64(dst, uint64(i))
}

func encodeFloat(dst []byte, f float64) []byte {
	if f == 0 {
		return append(dst, tagFloatZero)
	}
	if !math.IsNaN(f) && !math.IsInf(f, 0) {
		n := math.Round(f * 100)
		if n != 0 && n >= math.MinInt32 && n <= math.MaxInt32 &&
			math.Abs(f-n/100) <= FloatEpsilon*math.Abs(f) {
			dst = append(dst, tagFloatCent)
			return binary.BigEndian.AppendUint32(dst, uint32(int32(n)))
		}
	}
	dst = append(dst, tagFloat64)
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(f))
}

func encodeDecimal(dst []byte, v model.Value) ([]byte, error) {
	d := v.AsDecimal()
	if d.Sign() == 0 {
		return append(dst, tagDecimalZero), nil
	}

	coef := new(big.Int).Set(d.Coefficient())
	exp := d.Exponent()
	if exp > 0 {
		coef.Mul(coef, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
		exp = 0
	}
	scale := -int64(exp)
	if scale > math.MaxUint8 {
		return dst, storageerrors.Codec("decimal scale exceeds 255", nil).WithDetail("scale", scale)
	}

	tag := tagDecPos
	if coef.Sign() < 0 {
		tag = tagDecNeg
		coef.Neg(coef)
	}
	mag := coef.Bytes()
	if len(mag) > math.MaxUint8 {
		return dst, storageerrors.Codec("decimal magnitude exceeds 255 bytes", nil).WithDetail("bytes", len(mag))
	}

	dst = append(dst, tag, byte(scale), byte(len(mag)))
	return append(dst, mag...), nil
}

func encodeString(dst []byte, s string) []byte {
	n := len(s)
	if n >= 2 && n <= MaxDigitString && isDigits(s) {
		dst = append(dst, tagDigits+byte(n))
		for i := 0; i < n; i += 2 {
			b := (s[i] - '0') << 4
			if i+1 < n {
				b |= s[i+1] - '0'
			}
			dst = append(dst, b)
		}
		return dst
	}
	if n == 1 {
		if h, ok := hexValue(s[0]); ok {
			return append(dst, tagHexDigit|h)
		}
	}
	if n <= MaxShortString {
		dst = append(dst, tagShortStr+byte(n))
		return append(dst, s...)
	}
	dst = append(dst, tagString)
	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	return append(dst, s...)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

func encodeDate(dst []byte, days int64) []byte {
	rel := days - epochDays
	switch {
	case rel >= 0 && rel < 1<<16:
		dst = append(dst, tagDate16)
		return binary.BigEndian.AppendUint16(dst, uint16(rel))
	case rel >= 0 && rel < 1<<24:
		return append(dst, tagDate24, byte(rel>>16), byte(rel>>8), byte(rel))
	case rel >= 0 && rel < 1<<32:
		dst = append(dst, tagDate32)
		return binary.BigEndian.AppendUint32(dst, uint32(rel))
	}

	secs := rel * secsPerDay
	if rel < 0 && secs >= math.MinInt32 {
		dst = append(dst, tagDateSecs32)
		return binary.BigEndian.AppendUint32(dst, uint32(int32(secs)))
	}
	dst = append(dst, tagDateSecs64)
	return binary.BigEndian.AppendUint64(dst, uint64(secs))
}

func encodeTime(dst []byte, ms int64) []byte {
	if ms%1000 == 0 && ms >= 0 && ms/1000 < 1<<16 {
		dst = append(dst, tagTimeSecs)
		return binary.BigEndian.AppendUint16(dst, uint16(ms/1000))
	}
	dst = append(dst, tagTimeMillis)
	return binary.BigEndian.AppendUint32(dst, uint32(int32(ms)))
}

func encodeDateTime(dst []byte, ms int64) []byte {
	rel := ms - epochMillis
	if rel%1000 == 0 && rel/1000 >= math.MinInt32 && rel/1000 <= math.MaxInt32 {
		dst = append(dst, tagDTSecs)
		return binary.BigEndian.AppendUint32(dst, uint32(int32(rel/1000)))
	}
	dst = append(dst, tagDTMillis)
	return binary.BigEndian.AppendUint64(dst, uint64(rel))
}

func encodeNames(dst []byte, schema *model.Schema) []byte {
	names := schema.Declared()
	dst = binary.AppendUvarint(dst, uint64(len(names)))
	for _, name := range names {
		dst = encodeString(dst, name)
	}
	return dst
}

func encodeTable(dst []byte, t *model.Table) ([]byte, error) {
	dst = append(dst, tagTable)
	dst = encodeNames(dst, t.Schema)
	dst = binary.AppendUvarint(dst, uint64(len(t.Rows)))
	var err error
	for _, r := range t.Rows {
		if dst, err = EncodeRow(dst, r); err != nil {
			return dst, err
		}
	}
	return dst, nil
}
