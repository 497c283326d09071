package model

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the variant held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindLong
	KindFloat
	KindDecimal
	KindString
	KindDate
	KindTime
	KindDateTime
	KindBytes
	KindSeq
	KindTable
	KindRecord
	KindKey
)

var kindNames = [...]string{
	KindNull:     "null",
	KindBool:     "bool",
	KindInt:      "int",
	KindLong:     "long",
	KindFloat:    "float",
	KindDecimal:  "decimal",
	KindString:   "string",
	KindDate:     "date",
	KindTime:     "time",
	KindDateTime: "datetime",
	KindBytes:    "bytes",
	KindSeq:      "seq",
	KindTable:    "table",
	KindRecord:   "record",
	KindKey:      "key",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

const (
	millisPerDay = int64(24 * time.Hour / time.Millisecond)

	// MaxTimeMillis is one past the last millisecond of a day
	MaxTimeMillis = int32(millisPerDay)
)

// Value is a typed scalar or nested value stored in a row.
// The zero Value is null.
type Value struct {
	kind Kind
	n    int64 // bool, int, long, date days, time ms, datetime ms, key high word
	lo   uint64
	f    float64
	ref  interface{} // string, []byte, decimal.Decimal, []Value, *Table, *Row
}

// Table is a sequence of rows sharing one schema
type Table struct {
	Schema *Schema
	Rows   []*Row
}

// NewTable creates an empty table for schema
func NewTable(schema *Schema) *Table {
	return &Table{Schema: schema}
}

// Append adds a row built from values
func (t *Table) Append(values ...Value) *Row {
	r := NewRow(t.Schema, values...)
	t.Rows = append(t.Rows, r)
	return r
}

func Null() Value { return Value{} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.n = 1
	}
	return v
}

func Int(i int32) Value { return Value{kind: KindInt, n: int64(i)} }

func Long(i int64) Value { return Value{kind: KindLong, n: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func Decimal(d decimal.Decimal) Value { return Value{kind: KindDecimal, ref: d} }

func String(s string) Value { return Value{kind: KindString, ref: s} }

func Bytes(b []byte) Value { return Value{kind: KindBytes, ref: b} }

func Seq(values ...Value) Value { return Value{kind: KindSeq, ref: values} }

func TableValue(t *Table) Value { return Value{kind: KindTable, ref: t} }

func RecordValue(r *Row) Value { return Value{kind: KindRecord, ref: r} }

// KeyValue wraps the two words of a composite key
func KeyValue(hi, lo uint64) Value { return Value{kind: KindKey, n: int64(hi), lo: lo} }

// Date truncates t to its UTC calendar day
func Date(t time.Time) Value {
	t = t.UTC()
	days := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
	return Value{kind: KindDate, n: days}
}

// DateOf builds a date from calendar parts
func DateOf(year int, month time.Month, day int) Value {
	return Date(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateFromDays builds a date from days since 1970-01-01
func DateFromDays(days int64) Value { return Value{kind: KindDate, n: days} }

// Time builds a time of day from milliseconds since midnight
func Time(ms int32) Value { return Value{kind: KindTime, n: int64(ms)} }

// TimeOf builds a time of day from clock parts
func TimeOf(hour, min, sec, ms int) Value {
	return Time(int32(((hour*60+min)*60+sec)*1000 + ms))
}

// DateTime keeps millisecond precision of t
func DateTime(t time.Time) Value { return Value{kind: KindDateTime, n: t.UnixMilli()} }

// DateTimeMillis builds a datetime from unix milliseconds
func DateTimeMillis(ms int64) Value { return Value{kind: KindDateTime, n: ms} }

// From converts a native Go value
func From(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Long(int64(t)), nil
	case int32:
		return Int(t), nil
	case int64:
		return Long(t), nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case decimal.Decimal:
		return Decimal(t), nil
	case time.Time:
		return DateTime(t), nil
	case []Value:
		return Seq(t...), nil
	case *Table:
		return TableValue(t), nil
	case *Row:
		return RecordValue(t), nil
	default:
		return Null(), fmt.Errorf("unsupported native type %T", x)
	}
}

// MustFrom is From for literals known to be supported
func MustFrom(x interface{}) Value {
	v, err := From(x)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() bool { return v.kind == KindBool && v.n != 0 }

// AsLong returns the integral value of numeric kinds
func (v Value) AsLong() int64 {
	switch v.kind {
	case KindInt, KindLong, KindBool, KindDate, KindTime, KindDateTime:
		return v.n
	case KindFloat:
		return int64(v.f)
	case KindDecimal:
		return v.ref.(decimal.Decimal).IntPart()
	}
	return 0
}

func (v Value) AsInt() int32 { return int32(v.AsLong()) }

func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt, KindLong:
		return float64(v.n)
	case KindDecimal:
		f, _ := v.ref.(decimal.Decimal).Float64()
		return f
	}
	return 0
}

func (v Value) AsDecimal() decimal.Decimal {
	switch v.kind {
	case KindDecimal:
		return v.ref.(decimal.Decimal)
	case KindInt, KindLong:
		return decimal.NewFromInt(v.n)
	case KindFloat:
		return decimal.NewFromFloat(v.f)
	}
	return decimal.Zero
}

func (v Value) AsString() string {
	if s, ok := v.ref.(string); ok {
		return s
	}
	return ""
}

func (v Value) AsBytes() []byte {
	switch t := v.ref.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	}
	return nil
}

// Days returns days since 1970-01-01 of a date
func (v Value) Days() int64 { return v.n }

// Millis returns milliseconds since midnight for times and unix
// milliseconds for dates and datetimes
func (v Value) Millis() int64 {
	if v.kind == KindDate {
		return v.n * millisPerDay
	}
	return v.n
}

// AsTime returns the instant of a date or datetime in UTC
func (v Value) AsTime() time.Time {
	return time.UnixMilli(v.Millis()).UTC()
}

func (v Value) AsSeq() []Value {
	s, _ := v.ref.([]Value)
	return s
}

func (v Value) AsTable() *Table {
	t, _ := v.ref.(*Table)
	return t
}

func (v Value) AsRecord() *Row {
	r, _ := v.ref.(*Row)
	return r
}

// KeyWords returns the high and low words of a key value
func (v Value) KeyWords() (uint64, uint64) { return uint64(v.n), v.lo }

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt, KindLong:
		return strconv.FormatInt(v.n, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindDecimal:
		return v.ref.(decimal.Decimal).String()
	case KindString:
		return v.AsString()
	case KindDate:
		return v.AsTime().Format("2006-01-02")
	case KindTime:
		ms := v.n
		return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
	case KindDateTime:
		return v.AsTime().Format("2006-01-02 15:04:05.000")
	case KindBytes:
		return "0x" + hex.EncodeToString(v.AsBytes())
	case KindSeq:
		parts := make([]string, len(v.AsSeq()))
		for i, e := range v.AsSeq() {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindTable:
		t := v.AsTable()
		return fmt.Sprintf("table%v(%d rows)", t.Schema.Fields(), len(t.Rows))
	case KindRecord:
		return v.AsRecord().String()
	case KindKey:
		return fmt.Sprintf("key(%016x%016x)", uint64(v.n), v.lo)
	}
	return "?"
}
