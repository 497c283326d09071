package partition

import (
	"fmt"
	"strings"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/storage/blockfile"
)

// Options holds the single-character option flags accepted by partition
// and group operations
type Options struct {
	Overwrite        bool // y
	Uncompressed     bool // u
	Compressed       bool // z
	DeleteAware      bool // w
	RowLayout        bool // r
	ColumnLayout     bool // c
	Immediate        bool // i
	DeleteKey        bool // d
	PartitionByFirst bool // p
}

// ParseOptions reads an option string such as "yc". Unknown flags and
// contradictory pairs are rejected.
func ParseOptions(s string) (Options, error) {
	var o Options
	for _, ch := range s {
		switch ch {
		case 'y':
			o.Overwrite = true
		case 'u':
			o.Uncompressed = true
		case 'z':
			o.Compressed = true
		case 'w':
			o.DeleteAware = true
		case 'r':
			o.RowLayout = true
		case 'c':
			o.ColumnLayout = true
		case 'i':
			o.Immediate = true
		case 'd':
			o.DeleteKey = true
		case 'p':
			o.PartitionByFirst = true
		default:
			return Options{}, storageerrors.InvalidArgument(fmt.Sprintf("unknown option %q", ch), nil).
				WithDetail("options", s)
		}
	}
	if o.Uncompressed && o.Compressed {
		return Options{}, storageerrors.InvalidArgument("options u and z are exclusive", nil)
	}
	if o.RowLayout && o.ColumnLayout {
		return Options{}, storageerrors.InvalidArgument("options r and c are exclusive", nil)
	}
	return o, nil
}

// MustParseOptions is ParseOptions for literals
func MustParseOptions(s string) Options {
	o, err := ParseOptions(s)
	if err != nil {
		panic(err)
	}
	return o
}

// Layout resolves the layout flags against def
func (o Options) Layout(def blockfile.Layout) blockfile.Layout {
	switch {
	case o.ColumnLayout:
		return blockfile.LayoutColumn
	case o.RowLayout:
		return blockfile.LayoutRow
	case def == 0:
		return blockfile.LayoutRow
	}
	return def
}

// Compression resolves the compression flags against def
func (o Options) Compression(def blockfile.Compression) blockfile.Compression {
	switch {
	case o.Uncompressed:
		return blockfile.CompressionNone
	case o.Compressed && (def == 0 || def == blockfile.CompressionNone):
		return blockfile.CompressionSnappy
	case def == 0:
		return blockfile.CompressionSnappy
	}
	return def
}

// ChangesLayout reports whether the flags ask for a layout or compression
// different from h
func (o Options) ChangesLayout(h blockfile.Header) bool {
	return o.Layout(h.Layout) != h.Layout || o.Compression(h.Compression) != h.Compression
}

func (o Options) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		on bool
		ch byte
	}{
		{o.Overwrite, 'y'}, {o.Uncompressed, 'u'}, {o.Compressed, 'z'},
		{o.DeleteAware, 'w'}, {o.RowLayout, 'r'}, {o.ColumnLayout, 'c'},
		{o.Immediate, 'i'}, {o.DeleteKey, 'd'}, {o.PartitionByFirst, 'p'},
	} {
		if f.on {
			sb.WriteByte(f.ch)
		}
	}
	return sb.String()
}
