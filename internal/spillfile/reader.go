package spillfile

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"sortstage/internal/format"
)

// Reader streams records back out of a sealed run file. It implements
// run.Cursor[T].
type Reader[T any] struct {
	file   *os.File
	zr     *zstd.Decoder
	r      io.Reader
	ser    format.Serializer[T]
	closed bool
}

// Open opens path, validates its header, and returns a Reader positioned
// at the first record. Transparently decompresses if the file was sealed
// with compression. bufSize overrides the read buffer's capacity in
// bytes; zero or negative uses bufio's default.
func Open[T any](path string, ser format.Serializer[T], bufSize int) (*Reader[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("spillfile: open %s: %w", path, err)
	}

	var hdrBuf [headerSize]byte
	if _, err := io.ReadFull(f, hdrBuf[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("spillfile: read header of %s: %w", path, err)
	}
	hdr, err := decodeHeader(hdrBuf[:])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("spillfile: invalid header in %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	if bufSize > 0 {
		br = bufio.NewReaderSize(f, bufSize)
	}
	reader := &Reader[T]{file: f, ser: ser}

	if hdr.Flags&flagCompressed != 0 {
		zr, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("spillfile: open zstd stream in %s: %w", path, err)
		}
		reader.zr = zr
		reader.r = zr
	} else {
		reader.r = br
	}

	return reader, nil
}

// Next implements run.Cursor[T].
func (r *Reader[T]) Next() (T, bool, error) {
	v, err := format.ReadRecord(r.r, r.ser)
	if err == io.EOF {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// Close releases the reader's file handle and any decompressor state.
func (r *Reader[T]) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.zr != nil {
		r.zr.Close()
	}
	return r.file.Close()
}
