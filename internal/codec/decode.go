package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

type byteSource interface {
	io.Reader
	io.ByteReader
}

// Decoder reads encoded values from a stream
type Decoder struct {
	r   byteSource
	tmp [16]byte
}

// NewDecoder wraps r; readers without ReadByte are buffered
func NewDecoder(r io.Reader) *Decoder {
	if bs, ok := r.(byteSource); ok {
		return &Decoder{r: bs}
	}
	return &Decoder{r: bufio.NewReader(r)}
}

// NewBytesDecoder decodes from an in-memory buffer
func NewBytesDecoder(b []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(b)}
}

// Decode decodes a single value from the front of b and reports the
// number of bytes consumed
func Decode(b []byte) (model.Value, int, error) {
	br := bytes.NewReader(b)
	v, err := (&Decoder{r: br}).Decode()
	return v, len(b) - br.Len(), err
}

// Decode reads the next value. It returns io.EOF only when the stream ends
// cleanly before a tag byte.
func (d *Decoder) Decode() (model.Value, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return model.Null(), io.EOF
		}
		return model.Null(), storageerrors.IO("failed to read value tag", err)
	}
	v, err := d.decodeTag(tag)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return model.Null(), storageerrors.Codec("truncated value", io.ErrUnexpectedEOF).WithDetail("tag", tag)
		}
		return model.Null(), err
	}
	return v, nil
}

// DecodeValues reads exactly n values
func (d *Decoder) DecodeValues(n int) ([]model.Value, error) {
	if _, err := d.count(uint64(n), 1); err != nil {
		return nil, err
	}
	out := make([]model.Value, 0, min(n, preallocLimit))
	for i := 0; i < n; i++ {
		v, err := d.Decode()
		if err == io.EOF {
			return nil, storageerrors.Codec("truncated value list", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeRow reads one row of schema
func (d *Decoder) DecodeRow(schema *model.Schema) (*model.Row, error) {
	vals, err := d.DecodeValues(schema.Len())
	if err != nil {
		return nil, err
	}
	return model.NewRow(schema, vals...), nil
}

// Uvarint reads an unsigned varint
func (d *Decoder) Uvarint() (uint64, error) {
	return binary.ReadUvarint(d.r)
}

// preallocLimit caps capacity taken on trust from a length prefix
const preallocLimit = 4096

// count checks a length prefix of items at least unit bytes long against
// the int32 range and, for in-memory input, the bytes left
func (d *Decoder) count(n uint64, unit int) (int, error) {
	if n > math.MaxInt32 {
		return 0, storageerrors.Codec("length prefix out of range", nil).WithDetail("length", n)
	}
	if lr, ok := d.r.(interface{ Len() int }); ok && n*uint64(unit) > uint64(lr.Len()) {
		return 0, storageerrors.Codec("length prefix exceeds input", io.ErrUnexpectedEOF).
			WithDetail("length", n).
			WithDetail("remaining", lr.Len())
	}
	return int(n), nil
}

func (d *Decoder) read(n int) ([]byte, error) {
	if n <= len(d.tmp) {
		buf := d.tmp[:n]
		_, err := io.ReadFull(d.r, buf)
		return buf, err
	}
	return d.readOwned(n)
}

// readOwned grows the buffer as bytes arrive so a corrupt length cannot
// force a huge allocation up front
func (d *Decoder) readOwned(n int) ([]byte, error) {
	if n <= preallocLimit {
		buf := make([]byte, n)
		_, err := io.ReadFull(d.r, buf)
		return buf, err
	}
	buf, err := io.ReadAll(io.LimitReader(d.r, int64(n)))
	if err != nil {
		return nil, err
	}
	if len(buf) < n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

// readLen reads a u32 byte-length prefix followed by that many bytes
func (d *Decoder) readLen() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	size, err := d.count(uint64(n), 1)
	if err != nil {
		return nil, err
	}
	return d.readOwned(size)
}

func (d *Decoder) u16() (uint16, error) {
	b, err := d.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) u32() (uint32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) u64() (uint64, error) {
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *Decoder) decodeTag(tag byte) (model.Value, error) {
	switch tag {
	case tagNull:
		return model.Null(), nil
	case tagTrue:
		return model.Bool(true), nil
	case tagFalse:
		return model.Bool(false), nil
	case tagIntZero:
		return model.Int(0), nil
	case tagLongZero:
		return model.Long(0), nil
	case tagFloatZero:
		return model.Float(0), nil
	case tagDecimalZero:
		return model.Decimal(decimal.Zero), nil
	}

	switch tag & 0xF0 {
	case tagInt4:
		return model.Int(int32(tag & 0x0F)), nil
	case tagLong4:
		return model.Long(int64(tag & 0x0F)), nil
	case tagInt12, tagLong12:
		b, err := d.r.ReadByte()
		if err != nil {
			return model.Null(), err
		}
		n := int64(tag&0x0F)<<8 | int64(b)
		if tag&0xF0 == tagInt12 {
			return model.Int(int32(n)), nil
		}
		return model.Long(n), nil
	}

	switch {
	case tag > tagDigits && tag <= tagDigits+MaxDigitString:
		return d.decodeDigits(int(tag - tagDigits))
	case tag >= tagShortStr && tag <= tagShortStr+MaxShortString:
		b, err := d.read(int(tag - tagShortStr))
		if err != nil {
			return model.Null(), err
		}
		return model.String(string(b)), nil
	case tag >= tagHexDigit && tag <= tagHexDigit|0x0F:
		return model.String(string("0123456789abcdef"[tag&0x0F])), nil
	}

	switch tag {
	case tagInt16:
		n, err := d.u16()
		return model.Int(int32(n)), err
	case tagInt32:
		n, err := d.u32()
		return model.Int(int32(n)), err
	case tagLong16:
		n, err := d.u16()
		return model.Long(int64(n)), err
	case tagLong32:
		n, err := d.u32()
		return model.Long(int64(n)), err
	case tagLong64:
		n, err := d.u64()
		return model.Long(int64(n)), err
	case tagString:
		b, err := d.readLen()
		if err != nil {
			return model.Null(), err
		}
		return model.String(string(b)), nil
	case tagBytes:
		b, err := d.readLen()
		if err != nil {
			return model.Null(), err
		}
		return model.Bytes(b), nil
	case tagDecPos, tagDecNeg:
		return d.decodeDecimal(tag == tagDecNeg)
	case tagFloat64:
		n, err := d.u64()
		return model.Float(math.Float64frombits(n)), err
	case tagFloatCent:
		n, err := d.u32()
		return model.Float(float64(int32(n)) / 100), err
	case tagDate16:
		n, err := d.u16()
		return model.DateFromDays(epochDays + int64(n)), err
	case tagDate24:
		b, err := d.read(3)
		if err != nil {
			return model.Null(), err
		}
		return model.DateFromDays(epochDays + (int64(b[0])<<16 | int64(b[1])<<8 | int64(b[2]))), nil
	case tagDate32:
		n, err := d.u32()
		return model.DateFromDays(epochDays + int64(n)), err
	case tagDateSecs32:
		n, err := d.u32()
		return model.DateFromDays(epochDays + int64(int32(n))/secsPerDay), err
	case tagDateSecs64:
		n, err := d.u64()
		return model.DateFromDays(epochDays + int64(n)/secsPerDay), err
	case tagTimeSecs:
		n, err := d.u16()
		return model.Time(int32(n) * 1000), err
	case tagTimeMillis:
		n, err := d.u32()
		return model.Time(int32(n)), err
	case tagDTSecs:
		n, err := d.u32()
		return model.DateTimeMillis(epochMillis + int64(int32(n))*1000), err
	case tagDTMillis:
		n, err := d.u64()
		return model.DateTimeMillis(epochMillis + int64(n)), err
	case tagSeq:
		n, err := d.Uvarint()
		if err != nil {
			return model.Null(), err
		}
		size, err := d.count(n, 1)
		if err != nil {
			return model.Null(), err
		}
		vals, err := d.DecodeValues(size)
		if err != nil {
			return model.Null(), err
		}
		return model.Seq(vals...), nil
	case tagTable:
		return d.decodeTable()
	case tagRecord:
		schema, err := d.decodeNames()
		if err != nil {
			return model.Null(), err
		}
		row, err := d.DecodeRow(schema)
		if err != nil {
			return model.Null(), err
		}
		return model.RecordValue(row), nil
	case tagKey:
		hi, err := d.u64()
		if err != nil {
			return model.Null(), err
		}
		lo, err := d.u64()
		return model.KeyValue(hi, lo), err
	}
	return model.Null(), storageerrors.UnknownTag(tag)
}

func (d *Decoder) decodeDigits(n int) (model.Value, error) {
	b, err := d.read((n + 1) / 2)
	if err != nil {
		return model.Null(), err
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		nib := b[i/2] >> 4
		if i%2 == 1 {
			nib = b[i/2] & 0x0F
		}
		if nib > 9 {
			return model.Null(), storageerrors.Codec("invalid packed digit", nil).WithDetail("nibble", nib)
		}
		out[i] = '0' + nib
	}
	return model.String(string(out)), nil
}

func (d *Decoder) decodeDecimal(negative bool) (model.Value, error) {
	hdr, err := d.read(2)
	if err != nil {
		return model.Null(), err
	}
	scale, n := int32(hdr[0]), int(hdr[1])
	mag, err := d.read(n)
	if err != nil {
		return model.Null(), err
	}
	coef := new(big.Int).SetBytes(mag)
	if negative {
		coef.Neg(coef)
	}
	return model.Decimal(decimal.NewFromBigInt(coef, -scale)), nil
}

func (d *Decoder) decodeNames() (*model.Schema, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	size, err := d.count(n, 1)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, min(size, preallocLimit))
	for i := 0; i < size; i++ {
		v, err := d.Decode()
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
		if v.Kind() != model.KindString {
			return nil, storageerrors.Codec("field name is not a string", nil).WithDetail("kind", v.Kind().String())
		}
		names = append(names, v.AsString())
	}
	return model.NewSchema(names...), nil
}

func (d *Decoder) decodeTable() (model.Value, error) {
	schema, err := d.decodeNames()
	if err != nil {
		return model.Null(), err
	}
	n, err := d.Uvarint()
	if err != nil {
		return model.Null(), err
	}
	// rows of an empty schema take no bytes
	unit := 1
	if schema.Len() == 0 {
		unit = 0
	}
	size, err := d.count(n, unit)
	if err != nil {
		return model.Null(), err
	}
	t := model.NewTable(schema)
	t.Rows = make([]*model.Row, 0, min(size, preallocLimit))
	for i := 0; i < size; i++ {
		row, err := d.DecodeRow(schema)
		if err != nil {
			return model.Null(), err
		}
		t.Rows = append(t.Rows, row)
	}
	return model.TableValue(t), nil
}
