package spillfile

import (
	"bufio"
	"fmt"
	"os"

	"sortstage/internal/format"
)

// Writer seals an in-memory run pool into a single on-disk run. Records
// must be written in sort order; Writer does not sort or validate order
// itself, matching the k-way merger's own "no materialization" contract —
// the caller streams records directly from a merge.
type Writer[T any] struct {
	file         *os.File
	bw           *bufio.Writer
	ser          format.Serializer[T]
	count        int
	preallocated bool
}

// NewWriter provisions a fresh temp file via svc and writes the run file's
// header. sizeHint is passed through to the temp-file service as an
// advisory preallocation size. bufSize overrides the write buffer's
// capacity in bytes; zero or negative uses bufio's default.
func NewWriter[T any](svc TempFileService, sizeHint int64, ser format.Serializer[T], bufSize int) (*Writer[T], error) {
	f, err := svc.Create(sizeHint)
	if err != nil {
		return nil, fmt.Errorf("spillfile: create temp file: %w", err)
	}

	hdr := header{}
	buf := hdr.encode()
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("spillfile: write header: %w", err)
	}

	bw := bufio.NewWriter(f)
	if bufSize > 0 {
		bw = bufio.NewWriterSize(f, bufSize)
	}

	return &Writer[T]{
		file:         f,
		bw:           bw,
		ser:          ser,
		preallocated: sizeHint > 0,
	}, nil
}

// Path returns the underlying file's path.
func (w *Writer[T]) Path() string {
	return w.file.Name()
}

// Write appends one record to the run.
func (w *Writer[T]) Write(v T) error {
	if err := format.WriteRecord(w.bw, w.ser, v); err != nil {
		return err
	}
	w.count++
	return nil
}

// Process implements merge.Sink[T] so a Writer can be the direct target of
// a k-way merge.
func (w *Writer[T]) Process(v T) error {
	return w.Write(v)
}

// Close flushes and closes the file, trimming any preallocated slack off
// the end, and returns the sealed run's path, byte size, and record count.
func (w *Writer[T]) Close() (path string, bytes int64, count int, err error) {
	if err = w.bw.Flush(); err != nil {
		w.file.Close()
		return "", 0, 0, fmt.Errorf("spillfile: flush: %w", err)
	}

	offset, err := w.file.Seek(0, os.SEEK_CUR)
	if err != nil {
		w.file.Close()
		return "", 0, 0, fmt.Errorf("spillfile: seek: %w", err)
	}

	if w.preallocated {
		if err = w.file.Truncate(offset); err != nil {
			w.file.Close()
			return "", 0, 0, fmt.Errorf("spillfile: truncate: %w", err)
		}
	}

	path = w.file.Name()
	if err = w.file.Close(); err != nil {
		return "", 0, 0, fmt.Errorf("spillfile: close: %w", err)
	}
	return path, offset, w.count, nil
}
