package codec

import (
	"bytes"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
)

func roundTrip(t *testing.T, v model.Value) (model.Value, []byte) {
	t.Helper()
	enc, err := Encode(nil, v)
	require.NoError(t, err)
	got, n, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n, "decoder must consume the whole encoding")
	return got, enc
}

func TestRoundTrip(t *testing.T) {
	people := model.NewTable(model.NewSchema("#id", "name"))
	people.Append(model.Int(1), model.String("ann"))
	people.Append(model.Int(2), model.Null())

	tests := []struct {
		name string
		v    model.Value
		size int
	}{
		{"null", model.Null(), 1},
		{"true", model.Bool(true), 1},
		{"false", model.Bool(false), 1},
		{"int zero", model.Int(0), 1},
		{"int nibble", model.Int(9), 1},
		{"int 12 bit", model.Int(4000), 2},
		{"int 16 bit", model.Int(65535), 3},
		{"int 32 bit", model.Int(123456), 5},
		{"negative int", model.Int(-7), 5},
		{"long zero", model.Long(0), 1},
		{"long nibble", model.Long(15), 1},
		{"long 12 bit", model.Long(300), 2},
		{"long 32 bit", model.Long(4000000000), 5},
		{"negative long", model.Long(-1 << 40), 9},
		{"float zero", model.Float(0), 1},
		{"float raw", model.Float(math.Pi), 9},
		{"decimal zero", model.Decimal(decimal.Zero), 1},
		{"decimal", model.Decimal(decimal.RequireFromString("123.456")), 6},
		{"negative decimal", model.Decimal(decimal.RequireFromString("-0.001")), 4},
		{"empty string", model.String(""), 1},
		{"hex digit", model.String("c"), 1},
		{"digit string", model.String("0042"), 3},
		{"short string", model.String("héllo"), 7},
		{"long string", model.String(strings.Repeat("x", 40)), 45},
		{"bytes", model.Bytes([]byte{1, 2, 3}), 8},
		{"date at epoch", model.DateOf(2000, time.January, 1), 3},
		{"date 24 bit", model.DateOf(2200, time.March, 3), 4},
		{"date before epoch", model.DateOf(1999, time.December, 31), 5},
		{"date far past", model.DateOf(1900, time.June, 1), 9},
		{"time seconds", model.TimeOf(10, 30, 0, 0), 3},
		{"time millis", model.TimeOf(23, 59, 59, 999), 5},
		{"datetime seconds", model.DateTime(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)), 5},
		{"datetime millis", model.DateTime(time.Date(2024, 5, 6, 7, 8, 9, 123e6, time.UTC)), 9},
		{"datetime before 2000", model.DateTime(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)), 5},
		{"key", model.KeyValue(0xdeadbeef, 42), 17},
		{"seq", model.Seq(model.Int(1), model.String("ab"), model.Null()), 7},
		{"table", model.TableValue(people), 0},
		{"record", model.RecordValue(people.Rows[0]), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, enc := roundTrip(t, tt.v)
			assert.True(t, model.Identical(tt.v, got), "want %v, got %v", tt.v, got)
			if tt.size > 0 {
				assert.Len(t, enc, tt.size)
			}
		})
	}
}

func TestNestedTablePreservesKeys(t *testing.T) {
	tbl := model.NewTable(model.NewSchema("#k", "v"))
	tbl.Append(model.Long(1), model.Seq(model.Int(1), model.Int(2)))

	got, enc := roundTrip(t, model.TableValue(tbl))
	assert.Equal(t, []int{0}, got.AsTable().Schema.Keys())
	assert.Equal(t, tagTable, enc[0])
}

func TestFloatShortcutWithinEpsilon(t *testing.T) {
	for _, f := range []float64{3.14, -2.5, 0.01, 1234567.89, 0.1 + 0.2} {
		got, enc := roundTrip(t, model.Float(f))
		assert.Equal(t, tagFloatCent, enc[0], "%v should use the decimal-like shortcut", f)
		assert.InDelta(t, f, got.AsFloat(), FloatEpsilon*math.Abs(f))
	}

	// tiny values round to zero cents and must keep full precision
	for _, f := range []float64{1e-7, 1e-12, -3e-12, 0.004} {
		got, enc := roundTrip(t, model.Float(f))
		assert.Equal(t, tagFloat64, enc[0], "%v", f)
		assert.Equal(t, f, got.AsFloat())
	}
}

func TestDecimalWithPositiveExponent(t *testing.T) {
	d := decimal.New(5, 3)
	got, _ := roundTrip(t, model.Decimal(d))
	assert.True(t, got.AsDecimal().Equal(decimal.NewFromInt(5000)))
}

func TestDecimalScaleTooLarge(t *testing.T) {
	_, err := Encode(nil, model.Decimal(decimal.New(1, -300)))
	require.Error(t, err)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCodec))
}

func TestScenarioValues(t *testing.T) {
	values := []model.Value{
		model.Null(),
		model.Bool(true),
		model.Int(0),
		model.Int(123456),
		model.String("42"),
		model.DateOf(2024, time.January, 1),
	}

	for _, v := range values {
		got, _ := roundTrip(t, v)
		assert.True(t, model.Identical(v, got), "want %v, got %v", v, got)
	}

	enc, err := Encode(nil, model.String("123456789012345678901234567890"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(enc), 16)
}

func TestCompactness(t *testing.T) {
	genericInt := 5
	for i := int32(0); i < 70000; i += 7 {
		n, err := Size(model.Int(i))
		require.NoError(t, err)
		require.LessOrEqual(t, n, genericInt, "int %d", i)
	}

	for l := 1; l <= MaxDigitString; l++ {
		s := strings.Repeat("7", l)
		n, err := Size(model.String(s))
		require.NoError(t, err)
		require.LessOrEqual(t, n, 1+4+l, "digit string of length %d", l)
		require.LessOrEqual(t, n, 1+(l+1)/2, "digit string of length %d", l)
	}

	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	for d := -400; d < 400; d += 3 {
		n, err := Size(model.Date(base.AddDate(0, 0, d)))
		require.NoError(t, err)
		require.LessOrEqual(t, n, 9)
		if d >= 0 {
			require.LessOrEqual(t, n, 3)
		}
	}
}

func TestDecoderStream(t *testing.T) {
	var buf []byte
	var err error
	values := []model.Value{model.Int(1), model.String("two"), model.Long(3)}
	buf, err = EncodeValues(buf, values)
	require.NoError(t, err)

	dec := NewDecoder(io.MultiReader(bytes.NewReader(buf[:2]), bytes.NewReader(buf[2:])))
	for _, want := range values {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.True(t, model.Identical(want, got))
	}
	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"unknown tag", []byte{0x0F}},
		{"truncated int32", []byte{tagInt32, 1, 2}},
		{"truncated string", []byte{tagShortStr + 5, 'a'}},
		{"truncated seq", []byte{tagSeq, 3, tagNull}},
		{"bad digit nibble", []byte{tagDigits + 2, 0xAB}},
		{"seq count overflows", []byte{tagSeq, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}},
		{"seq count past input", []byte{tagSeq, 0xFF, 0xFF, 0xFF, 0x7F, tagNull}},
		{"string length past input", []byte{tagString, 0xFF, 0xFF, 0xFF, 0xFF, 'a'}},
		{"bytes length past input", []byte{tagBytes, 0x7F, 0xFF, 0xFF, 0xFF}},
		{"record name count", []byte{tagRecord, 0xFF, 0xFF, 0xFF, 0xFF, 0x0F}},
		{"table row count", []byte{tagTable, 1, tagShortStr + 1, 'a', 0xFF, 0xFF, 0xFF, 0xFF, 0x0F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCodec), "got %v", err)

			// streams have no known length and must still fail cleanly
			_, err = NewDecoder(io.MultiReader(bytes.NewReader(tt.data))).Decode()
			require.Error(t, err)
			assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeCodec), "stream: got %v", err)
		})
	}
}

func TestDecodeRow(t *testing.T) {
	schema := model.NewSchema("#id", "name", "score")
	row := model.NewRow(schema, model.Long(7), model.String("bob"), model.Float(1.5))

	enc, err := EncodeRow(nil, row)
	require.NoError(t, err)

	got, err := NewBytesDecoder(enc).DecodeRow(schema)
	require.NoError(t, err)
	assert.Equal(t, 0, model.CompareSlices(row.Values(), got.Values()))
}
