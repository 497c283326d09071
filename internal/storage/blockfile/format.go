// Package blockfile implements the block-structured file shared by table
// partitions, index sidecars and temporary spill files.
//
// File layout:
//
//	magic (8) | version (1) | uvarint header length | header
//	block frames ...
//	trailer | trailer offset (8, LE) | magic (8)
//
// Header and trailer are encoded with the value codec. Each block is a
// checksummed frame whose flag tells how its payload is compressed.
package blockfile

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/devrev/pairdb/tablestore/internal/codec"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

var magic = []byte{0x89, 'T', 'B', 'L', '\r', '\n', 0x1a, '\n'}

const (
	formatVersion = 1

	footerSize = 16

	// DefaultBlockSize is the number of rows per block when none is given
	DefaultBlockSize = 1024
)

// Layout selects how rows are arranged inside a block
type Layout byte

const (
	LayoutRow    Layout = 'r'
	LayoutColumn Layout = 'c'
)

func (l Layout) String() string {
	if l == LayoutColumn {
		return "column"
	}
	return "row"
}

// Compression is the per-file block codec
type Compression byte

const (
	CompressionNone   Compression = 'u'
	CompressionSnappy Compression = 's'
	CompressionZstd   Compression = 'z'
)

func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	}
	return "none"
}

// ParseCompression maps a configuration name to a codec
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// block payload flags
const (
	blockRaw    byte = 0
	blockSnappy byte = 1
	blockZstd   byte = 2
)

// Header is fixed at creation time
type Header struct {
	Layout       Layout
	Compression  Compression
	BlockSize    int
	Fields       []string // declared names, key fields carry model.KeyPrefix
	Distribute   string
	SegmentField string
}

// Schema builds the row schema described by the header
func (h *Header) Schema() *model.Schema {
	return model.NewSchema(h.Fields...)
}

// BlockMeta describes one stored block
type BlockMeta struct {
	Offset   int64
	Length   int64
	Rows     int
	Min      []model.Value
	Max      []model.Value
	FirstKey []model.Value
	LastKey  []model.Value
}

// IndexDef names a secondary index over one field
type IndexDef struct {
	Name  string
	Field string
}

// CuboidDef names a pre-aggregation over dimension and measure fields
type CuboidDef struct {
	Name     string
	Dims     []string
	Measures []string
}

// Trailer is rewritten by every mutating operation
type Trailer struct {
	Rows      int64
	Blocks    []BlockMeta
	Min       []model.Value
	Max       []model.Value
	Indexes   []IndexDef
	Cuboids   []CuboidDef
	SubTables []string
}

// Clone copies the trailer; per-block stats are shared
func (t *Trailer) Clone() *Trailer {
	c := *t
	c.Blocks = append([]BlockMeta(nil), t.Blocks...)
	c.Min = append([]model.Value(nil), t.Min...)
	c.Max = append([]model.Value(nil), t.Max...)
	c.Indexes = append([]IndexDef(nil), t.Indexes...)
	c.Cuboids = append([]CuboidDef(nil), t.Cuboids...)
	c.SubTables = append([]string(nil), t.SubTables...)
	return &c
}

func (t *Trailer) mergeStats(min, max []model.Value) {
	if len(t.Min) == 0 {
		t.Min = append([]model.Value(nil), min...)
		t.Max = append([]model.Value(nil), max...)
		return
	}
	for i := range min {
		t.Min[i] = minValue(t.Min[i], min[i])
		t.Max[i] = maxValue(t.Max[i], max[i])
	}
}

// nulls never become a bound while a non-null value exists
func minValue(a, b model.Value) model.Value {
	if a.IsNull() {
		return b
	}
	if b.IsNull() || model.Compare(a, b) <= 0 {
		return a
	}
	return b
}

func maxValue(a, b model.Value) model.Value {
	if a.IsNull() {
		return b
	}
	if b.IsNull() || model.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func strings2values(ss []string) model.Value {
	vals := make([]model.Value, len(ss))
	for i, s := range ss {
		vals[i] = model.String(s)
	}
	return model.Seq(vals...)
}

func values2strings(v model.Value) []string {
	seq := v.AsSeq()
	out := make([]string, len(seq))
	for i, s := range seq {
		out[i] = s.AsString()
	}
	return out
}

func encodeHeader(h *Header) ([]byte, error) {
	v := model.Seq(
		model.String(string(h.Layout)),
		model.String(string(h.Compression)),
		model.Long(int64(h.BlockSize)),
		strings2values(h.Fields),
		model.String(h.Distribute),
		model.String(h.SegmentField),
	)
	return codec.Encode(nil, v)
}

func decodeHeader(b []byte) (*Header, error) {
	v, _, err := codec.Decode(b)
	if err != nil {
		return nil, err
	}
	seq := v.AsSeq()
	if v.Kind() != model.KindSeq || len(seq) < 6 {
		return nil, storageerrors.Codec("malformed header", nil)
	}
	h := &Header{
		Layout:       Layout(firstByte(seq[0].AsString())),
		Compression:  Compression(firstByte(seq[1].AsString())),
		BlockSize:    int(seq[2].AsLong()),
		Fields:       values2strings(seq[3]),
		Distribute:   seq[4].AsString(),
		SegmentField: seq[5].AsString(),
	}
	if h.Layout != LayoutRow && h.Layout != LayoutColumn {
		return nil, storageerrors.Codec("unknown layout", nil).WithDetail("layout", string(h.Layout))
	}
	return h, nil
}

func firstByte(s string) byte {
	if s == "" {
		return 0
	}
	return s[0]
}

func encodeTrailer(t *Trailer) ([]byte, error) {
	blocks := make([]model.Value, len(t.Blocks))
	for i, b := range t.Blocks {
		blocks[i] = model.Seq(
			model.Long(b.Offset),
			model.Long(b.Length),
			model.Long(int64(b.Rows)),
			model.Seq(b.Min...),
			model.Seq(b.Max...),
			model.Seq(b.FirstKey...),
			model.Seq(b.LastKey...),
		)
	}
	indexes := make([]model.Value, len(t.Indexes))
	for i, d := range t.Indexes {
		indexes[i] = model.Seq(model.String(d.Name), model.String(d.Field))
	}
	cuboids := make([]model.Value, len(t.Cuboids))
	for i, d := range t.Cuboids {
		cuboids[i] = model.Seq(model.String(d.Name), strings2values(d.Dims), strings2values(d.Measures))
	}
	v := model.Seq(
		model.Long(t.Rows),
		model.Seq(blocks...),
		model.Seq(t.Min...),
		model.Seq(t.Max...),
		model.Seq(indexes...),
		model.Seq(cuboids...),
		strings2values(t.SubTables),
	)
	return codec.Encode(nil, v)
}

func decodeTrailer(b []byte) (*Trailer, error) {
	v, _, err := codec.Decode(b)
	if err != nil {
		return nil, err
	}
	seq := v.AsSeq()
	if v.Kind() != model.KindSeq || len(seq) < 7 {
		return nil, storageerrors.Codec("malformed trailer", nil)
	}
	t := &Trailer{
		Rows:      seq[0].AsLong(),
		Min:       seq[2].AsSeq(),
		Max:       seq[3].AsSeq(),
		SubTables: values2strings(seq[6]),
	}
	for _, bv := range seq[1].AsSeq() {
		f := bv.AsSeq()
		if len(f) < 7 {
			return nil, storageerrors.Codec("malformed block entry", nil)
		}
		t.Blocks = append(t.Blocks, BlockMeta{
			Offset:   f[0].AsLong(),
			Length:   f[1].AsLong(),
			Rows:     int(f[2].AsLong()),
			Min:      f[3].AsSeq(),
			Max:      f[4].AsSeq(),
			FirstKey: f[5].AsSeq(),
			LastKey:  f[6].AsSeq(),
		})
	}
	for _, iv := range seq[4].AsSeq() {
		f := iv.AsSeq()
		if len(f) < 2 {
			return nil, storageerrors.Codec("malformed index entry", nil)
		}
		t.Indexes = append(t.Indexes, IndexDef{Name: f[0].AsString(), Field: f[1].AsString()})
	}
	for _, cv := range seq[5].AsSeq() {
		f := cv.AsSeq()
		if len(f) < 3 {
			return nil, storageerrors.Codec("malformed cuboid entry", nil)
		}
		t.Cuboids = append(t.Cuboids, CuboidDef{
			Name:     f[0].AsString(),
			Dims:     values2strings(f[1]),
			Measures: values2strings(f[2]),
		})
	}
	return t, nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress returns the payload to store and its flag. A block stays raw
// unless compression saves at least a quarter of its size.
func compress(c Compression, raw []byte) ([]byte, byte, error) {
	var out []byte
	var flag byte
	switch c {
	case CompressionSnappy:
		out, flag = snappy.Encode(nil, raw), blockSnappy
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, 0, err
		}
		out, flag = enc.EncodeAll(raw, nil), blockZstd
	default:
		return raw, blockRaw, nil
	}
	if len(out) < len(raw)-len(raw)/4 {
		return out, flag, nil
	}
	return raw, blockRaw, nil
}

func decompress(flag byte, payload []byte) ([]byte, error) {
	switch flag {
	case blockRaw:
		return payload, nil
	case blockSnappy:
		return snappy.Decode(nil, payload)
	case blockZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(payload, nil)
	}
	return nil, fmt.Errorf("unknown block compression flag %d", flag)
}
