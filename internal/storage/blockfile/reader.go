package blockfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/devrev/pairdb/tablestore/internal/codec"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/util"
)

// Reader gives random access to the blocks of a finished file. Block reads
// use ReadAt and may run concurrently.
type Reader struct {
	path    string
	f       *os.File
	size    int64
	header  *Header
	schema  *model.Schema
	trailer *Trailer

	dataStart int64
	dataEnd   int64
}

// Open reads the header and trailer of the file at path
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storageerrors.NotFound(path, err)
		}
		return nil, storageerrors.IO("failed to open table file", err).WithDetail("path", path)
	}
	r := &Reader{path: path, f: f}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	st, err := r.f.Stat()
	if err != nil {
		return storageerrors.IO("failed to stat table file", err).WithDetail("path", r.path)
	}
	r.size = st.Size()
	if r.size < int64(len(magic))+1+footerSize {
		return storageerrors.CorruptFile(r.path, "file too short", nil)
	}

	br := bufio.NewReader(io.NewSectionReader(r.f, 0, r.size))
	prefix := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(br, prefix); err != nil {
		return storageerrors.CorruptFile(r.path, "unreadable header", err)
	}
	if !bytes.Equal(prefix[:len(magic)], magic) {
		return storageerrors.CorruptFile(r.path, "bad magic", nil)
	}
	if prefix[len(magic)] != formatVersion {
		return storageerrors.CorruptFile(r.path, fmt.Sprintf("unsupported version %d", prefix[len(magic)]), nil)
	}
	hlen, err := binary.ReadUvarint(br)
	if err != nil || int64(hlen) > r.size {
		return storageerrors.CorruptFile(r.path, "bad header length", err)
	}
	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return storageerrors.CorruptFile(r.path, "truncated header", err)
	}
	if r.header, err = decodeHeader(hdr); err != nil {
		return storageerrors.CorruptFile(r.path, "undecodable header", err)
	}
	r.schema = r.header.Schema()
	var tmp [binary.MaxVarintLen64]byte
	r.dataStart = int64(len(prefix) + binary.PutUvarint(tmp[:], hlen) + len(hdr))

	footer := make([]byte, footerSize)
	if _, err := r.f.ReadAt(footer, r.size-footerSize); err != nil {
		return storageerrors.CorruptFile(r.path, "unreadable footer", err)
	}
	if !bytes.Equal(footer[8:], magic) {
		return storageerrors.CorruptFile(r.path, "bad footer magic", nil)
	}
	r.dataEnd = int64(binary.LittleEndian.Uint64(footer[:8]))
	if r.dataEnd < r.dataStart || r.dataEnd > r.size-footerSize {
		return storageerrors.CorruptFile(r.path, "bad trailer offset", nil)
	}

	tr := make([]byte, r.size-footerSize-r.dataEnd)
	if _, err := r.f.ReadAt(tr, r.dataEnd); err != nil {
		return storageerrors.CorruptFile(r.path, "unreadable trailer", err)
	}
	if r.trailer, err = decodeTrailer(tr); err != nil {
		return storageerrors.CorruptFile(r.path, "undecodable trailer", err)
	}
	return nil
}

func (r *Reader) Path() string { return r.path }

func (r *Reader) Header() *Header { return r.header }

func (r *Reader) Schema() *model.Schema { return r.schema }

func (r *Reader) Trailer() *Trailer { return r.trailer }

func (r *Reader) NumBlocks() int { return len(r.trailer.Blocks) }

// Size returns the file size in bytes
func (r *Reader) Size() int64 { return r.size }

// ReadBlock decodes block i. For column files, want selects the columns to
// decode; unselected columns read as null. A nil want decodes everything.
func (r *Reader) ReadBlock(i int, want []bool) ([]*model.Row, error) {
	if i < 0 || i >= len(r.trailer.Blocks) {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("block %d out of range", i), nil)
	}
	if r.f == nil {
		return nil, storageerrors.InternalError("read from closed table file", nil).WithDetail("path", r.path)
	}
	meta := r.trailer.Blocks[i]
	if meta.Offset < r.dataStart || meta.Length < 0 || meta.Offset+meta.Length > r.dataEnd {
		return nil, storageerrors.CorruptFile(r.path, fmt.Sprintf("block %d outside data section", i), nil)
	}
	raw := make([]byte, meta.Length)
	if _, err := r.f.ReadAt(raw, meta.Offset); err != nil {
		return nil, storageerrors.IO("failed to read block", err).
			WithDetail("path", r.path).
			WithDetail("block", i)
	}
	flag, payload, _, err := util.ParseFrame(raw)
	if err != nil {
		return nil, storageerrors.CorruptFile(r.path, fmt.Sprintf("block %d", i), err)
	}
	plain, err := decompress(flag, payload)
	if err != nil {
		return nil, storageerrors.CorruptFile(r.path, fmt.Sprintf("block %d decompression", i), err)
	}

	if r.header.Layout == LayoutColumn {
		return r.decodeColumns(plain, want)
	}
	return r.decodeRows(plain)
}

func (r *Reader) decodeRows(b []byte) ([]*model.Row, error) {
	dec := codec.NewBytesDecoder(b)
	n, err := dec.Uvarint()
	if err != nil {
		return nil, storageerrors.Codec("bad block row count", err)
	}
	if err := checkRowCount(n, len(b), r.schema.Len()); err != nil {
		return nil, err
	}
	rows := make([]*model.Row, 0, n)
	for i := uint64(0); i < n; i++ {
		row, err := dec.DecodeRow(r.schema)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r *Reader) decodeColumns(b []byte, want []bool) ([]*model.Row, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, storageerrors.Codec("bad block row count", nil)
	}
	b = b[k:]
	ncols, k := binary.Uvarint(b)
	if k <= 0 || int(ncols) != r.schema.Len() {
		return nil, storageerrors.Codec("bad block column count", nil)
	}
	b = b[k:]
	if err := checkRowCount(n, len(b), int(ncols)); err != nil {
		return nil, err
	}

	rows := make([]*model.Row, n)
	for i := range rows {
		rows[i] = model.NewRow(r.schema)
	}
	for c := 0; c < int(ncols); c++ {
		clen, k := binary.Uvarint(b)
		if k <= 0 || uint64(len(b)-k) < clen {
			return nil, storageerrors.Codec("truncated column chunk", nil).WithDetail("column", c)
		}
		chunk := b[k : k+int(clen)]
		b = b[k+int(clen):]
		if want != nil && (c >= len(want) || !want[c]) {
			continue
		}
		dec := codec.NewBytesDecoder(chunk)
		for i := range rows {
			v, err := dec.Decode()
			if err == io.EOF {
				return nil, storageerrors.Codec("short column chunk", io.ErrUnexpectedEOF).WithDetail("column", c)
			}
			if err != nil {
				return nil, err
			}
			rows[i].Set(c, v)
		}
	}
	return rows, nil
}

// checkRowCount rejects a block row count the payload cannot hold; every
// value takes at least one byte
func checkRowCount(n uint64, payload, fields int) error {
	if n > math.MaxInt32 || (fields > 0 && n*uint64(fields) > uint64(payload)) {
		return storageerrors.Codec("block row count exceeds payload", nil).
			WithDetail("rows", n).
			WithDetail("bytes", payload)
	}
	return nil
}

func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// UpdateTrailer rewrites the trailer of a finished file in place. If fn
// fails the previous trailer is written back unchanged.
func UpdateTrailer(path string, fn func(*Trailer) error) error {
	w, err := OpenAppend(path)
	if err != nil {
		return err
	}
	if err := fn(w.trailer); err != nil {
		if rerr := w.Rollback(); rerr != nil {
			return fmt.Errorf("%w (restoring trailer: %v)", err, rerr)
		}
		return err
	}
	return w.Close()
}
