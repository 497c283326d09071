package model

import (
	"bytes"
	"strings"
)

// rank orders kinds that are not comparable by value
func rank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindLong, KindFloat, KindDecimal:
		return 2
	case KindString:
		return 3
	case KindDate, KindDateTime:
		return 4
	case KindTime:
		return 5
	case KindBytes:
		return 6
	case KindSeq:
		return 7
	case KindRecord:
		return 8
	case KindTable:
		return 9
	default:
		return 10
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Compare defines the total order used by merge, sort, index and stats.
// Numeric kinds compare by value across int, long, float and decimal.
func Compare(a, b Value) int {
	ra, rb := rank(a.kind), rank(b.kind)
	if ra != rb {
		return cmpInt64(int64(ra), int64(rb))
	}

	switch ra {
	case 0:
		return 0
	case 1, 5:
		return cmpInt64(a.n, b.n)
	case 2:
		return compareNumeric(a, b)
	case 3:
		return strings.Compare(a.AsString(), b.AsString())
	case 4:
		return cmpInt64(a.Millis(), b.Millis())
	case 6:
		return bytes.Compare(a.AsBytes(), b.AsBytes())
	case 7:
		return CompareSlices(a.AsSeq(), b.AsSeq())
	case 8:
		return CompareSlices(a.AsRecord().values, b.AsRecord().values)
	case 9:
		ta, tb := a.AsTable(), b.AsTable()
		if c := cmpInt64(int64(len(ta.Rows)), int64(len(tb.Rows))); c != 0 {
			return c
		}
		for i := range ta.Rows {
			if c := CompareSlices(ta.Rows[i].values, tb.Rows[i].values); c != 0 {
				return c
			}
		}
		return 0
	default:
		if c := cmpUint64(uint64(a.n), uint64(b.n)); c != 0 {
			return c
		}
		return cmpUint64(a.lo, b.lo)
	}
}

func compareNumeric(a, b Value) int {
	intA := a.kind == KindInt || a.kind == KindLong
	intB := b.kind == KindInt || b.kind == KindLong
	if intA && intB {
		return cmpInt64(a.n, b.n)
	}
	if a.kind == KindDecimal || b.kind == KindDecimal {
		return a.AsDecimal().Cmp(b.AsDecimal())
	}
	fa, fb := a.AsFloat(), b.AsFloat()
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

// CompareSlices compares element-wise, shorter prefix first
func CompareSlices(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt64(int64(len(a)), int64(len(b)))
}

// Equal is domain equality: Compare(a, b) == 0
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// Identical requires the same kind as well as domain equality
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindSeq:
		sa, sb := a.AsSeq(), b.AsSeq()
		if len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !Identical(sa[i], sb[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		ra, rb := a.AsRecord(), b.AsRecord()
		return ra.schema.Equal(rb.schema) && identicalValues(ra.values, rb.values)
	case KindTable:
		ta, tb := a.AsTable(), b.AsTable()
		if !ta.Schema.Equal(tb.Schema) || len(ta.Rows) != len(tb.Rows) {
			return false
		}
		for i := range ta.Rows {
			if !identicalValues(ta.Rows[i].values, tb.Rows[i].values) {
				return false
			}
		}
		return true
	}
	return Compare(a, b) == 0
}

func identicalValues(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Identical(a[i], b[i]) {
			return false
		}
	}
	return true
}

// CompareRows compares rows on the given positions
func CompareRows(a, b *Row, positions []int) int {
	for _, p := range positions {
		if c := Compare(a.values[p], b.values[p]); c != 0 {
			return c
		}
	}
	return 0
}
