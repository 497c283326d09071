package blockfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/devrev/pairdb/tablestore/internal/codec"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/util"
)

// Writer appends rows to a block file. Rows are buffered until a block is
// full; the trailer is written on Close.
type Writer struct {
	path    string
	f       *os.File
	bw      *bufio.Writer
	header  *Header
	schema  *model.Schema
	trailer *Trailer
	offset  int64

	pending []*model.Row
	lastKey []model.Value
	buf     []byte
	closed  bool

	// set by OpenAppend so a failed append can restore the file
	base    *Trailer
	baseEnd int64
}

// Create writes a new file at path. It fails with AlreadyExists if the
// path is occupied.
func Create(path string, h Header) (*Writer, error) {
	if h.BlockSize <= 0 {
		h.BlockSize = DefaultBlockSize
	}
	if h.Layout == 0 {
		h.Layout = LayoutRow
	}
	if h.Compression == 0 {
		h.Compression = CompressionNone
	}

	hdr, err := encodeHeader(&h)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, storageerrors.AlreadyExists(path)
		}
		return nil, storageerrors.IO("failed to create table file", err).WithDetail("path", path)
	}

	w := &Writer{
		path:    path,
		f:       f,
		bw:      bufio.NewWriterSize(f, 64*1024),
		header:  &h,
		schema:  h.Schema(),
		trailer: &Trailer{},
	}

	prefix := append([]byte(nil), magic...)
	prefix = append(prefix, formatVersion)
	prefix = binary.AppendUvarint(prefix, uint64(len(hdr)))
	prefix = append(prefix, hdr...)
	if err := w.writeRaw(prefix); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// OpenAppend reopens an existing file for appending. The old trailer is
// cut off and rewritten on Close.
func OpenAppend(path string) (*Writer, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	header, trailer, end := r.header, r.trailer, r.dataEnd
	r.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, storageerrors.IO("failed to open table file for append", err).WithDetail("path", path)
	}
	if err := f.Truncate(end); err != nil {
		f.Close()
		return nil, storageerrors.IO("failed to truncate trailer", err).WithDetail("path", path)
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, storageerrors.IO("failed to seek table file", err).WithDetail("path", path)
	}

	w := &Writer{
		path:    path,
		f:       f,
		bw:      bufio.NewWriterSize(f, 64*1024),
		header:  header,
		schema:  header.Schema(),
		trailer: trailer.Clone(),
		offset:  end,
		base:    trailer,
		baseEnd: end,
	}
	if n := len(trailer.Blocks); n > 0 {
		w.lastKey = trailer.Blocks[n-1].LastKey
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Header() *Header { return w.header }

func (w *Writer) Schema() *model.Schema { return w.schema }

// Trailer exposes the trailer that Close will write; callers may edit the
// index, cuboid and sub-table lists
func (w *Writer) Trailer() *Trailer { return w.trailer }

// Rows returns the number of rows written so far, pending rows included
func (w *Writer) Rows() int64 { return w.trailer.Rows + int64(len(w.pending)) }

// Write buffers a row. Keyed files require strictly ascending keys.
func (w *Writer) Write(row *model.Row) error {
	if w.closed {
		return storageerrors.InternalError("write to closed table file", nil).WithDetail("path", w.path)
	}
	if row.Len() != w.schema.Len() {
		return storageerrors.InvalidArgument(
			fmt.Sprintf("row has %d values, file has %d fields", row.Len(), w.schema.Len()), nil)
	}
	if w.schema.HasKeys() {
		key := keyOf(row, w.schema.Keys())
		if w.lastKey != nil && model.CompareSlices(key, w.lastKey) <= 0 {
			return storageerrors.InvalidArgument("duplicate or out-of-order key", nil).
				WithDetail("path", w.path).
				WithDetail("key", model.Seq(key...).String())
		}
		w.lastKey = key
	}
	w.pending = append(w.pending, row)
	if len(w.pending) >= w.header.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// Flush writes the pending block and flushes buffered bytes to the file
func (w *Writer) Flush() error {
	if err := w.flushBlock(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return storageerrors.IO("failed to flush table file", err).WithDetail("path", w.path)
	}
	return nil
}

// Sync flushes and fsyncs
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return storageerrors.IO("failed to sync table file", err).WithDetail("path", w.path)
	}
	return nil
}

// Close writes the last block, the trailer and the footer. If that fails a
// new file is removed and an appended file is rolled back.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.flushBlock(); err != nil {
		w.Rollback()
		return err
	}
	if err := w.finish(w.trailer); err != nil {
		w.Rollback()
		return err
	}
	return nil
}

func (w *Writer) finish(t *Trailer) error {
	tr, err := encodeTrailer(t)
	if err != nil {
		return err
	}
	tr = binary.LittleEndian.AppendUint64(tr, uint64(w.offset))
	tr = append(tr, magic...)
	if err := w.writeRaw(tr); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return storageerrors.IO("failed to flush table file", err).WithDetail("path", w.path)
	}
	if err := w.f.Sync(); err != nil {
		return storageerrors.IO("failed to sync table file", err).WithDetail("path", w.path)
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		return storageerrors.IO("failed to close table file", err).WithDetail("path", w.path)
	}
	return nil
}

// Rollback discards everything written through w. A file opened with
// OpenAppend gets its previous trailer back; a new file is removed.
func (w *Writer) Rollback() error {
	if w.base == nil {
		return w.Abort()
	}
	if w.closed {
		return nil
	}
	w.pending = nil
	w.bw.Reset(w.f)
	if err := w.f.Truncate(w.baseEnd); err != nil {
		w.closed = true
		w.f.Close()
		return storageerrors.IO("failed to truncate table file", err).WithDetail("path", w.path)
	}
	if _, err := w.f.Seek(w.baseEnd, io.SeekStart); err != nil {
		w.closed = true
		w.f.Close()
		return storageerrors.IO("failed to seek table file", err).WithDetail("path", w.path)
	}
	w.offset = w.baseEnd
	if err := w.finish(w.base); err != nil {
		if !w.closed {
			w.closed = true
			w.f.Close()
		}
		return err
	}
	return nil
}

// Abort closes the file and removes it
func (w *Writer) Abort() error {
	if !w.closed {
		w.closed = true
		w.f.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return storageerrors.IO("failed to remove table file", err).WithDetail("path", w.path)
	}
	return nil
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.bw.Write(p)
	w.offset += int64(n)
	if err != nil {
		return storageerrors.IO("failed to write table file", err).WithDetail("path", w.path)
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}
	rows := w.pending

	var err error
	w.buf = binary.AppendUvarint(w.buf[:0], uint64(len(rows)))
	if w.header.Layout == LayoutColumn {
		w.buf, err = appendColumns(w.buf, rows, w.schema.Len())
	} else {
		for _, r := range rows {
			if w.buf, err = codec.EncodeRow(w.buf, r); err != nil {
				break
			}
		}
	}
	if err != nil {
		return err
	}

	payload, flag, err := compress(w.header.Compression, w.buf)
	if err != nil {
		return storageerrors.InternalError("failed to compress block", err)
	}
	frame := util.AppendFrame(nil, flag, payload)

	meta := BlockMeta{
		Offset: w.offset,
		Length: int64(len(frame)),
		Rows:   len(rows),
	}
	meta.Min, meta.Max = columnStats(rows, w.schema.Len())
	if w.schema.HasKeys() {
		meta.FirstKey = keyOf(rows[0], w.schema.Keys())
		meta.LastKey = keyOf(rows[len(rows)-1], w.schema.Keys())
	}

	if err := w.writeRaw(frame); err != nil {
		return err
	}
	w.trailer.Blocks = append(w.trailer.Blocks, meta)
	w.trailer.Rows += int64(len(rows))
	w.trailer.mergeStats(meta.Min, meta.Max)
	w.pending = w.pending[:0]
	return nil
}

// each column is length-prefixed so readers can skip it
func appendColumns(dst []byte, rows []*model.Row, ncols int) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(ncols))
	var chunk []byte
	var err error
	for c := 0; c < ncols; c++ {
		chunk = chunk[:0]
		for _, r := range rows {
			if chunk, err = codec.Encode(chunk, r.Get(c)); err != nil {
				return dst, err
			}
		}
		dst = binary.AppendUvarint(dst, uint64(len(chunk)))
		dst = append(dst, chunk...)
	}
	return dst, nil
}

func columnStats(rows []*model.Row, ncols int) ([]model.Value, []model.Value) {
	min := make([]model.Value, ncols)
	max := make([]model.Value, ncols)
	for _, r := range rows {
		for c := 0; c < ncols; c++ {
			v := r.Get(c)
			min[c] = minValue(min[c], v)
			max[c] = maxValue(max[c], v)
		}
	}
	return min, max
}

func keyOf(r *model.Row, keys []int) []model.Value {
	out := make([]model.Value, len(keys))
	for i, k := range keys {
		out[i] = r.Get(k)
	}
	return out
}
