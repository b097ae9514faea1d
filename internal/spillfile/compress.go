package spillfile

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CompressInPlace rewrites the sealed run file at path through zstd,
// replacing it atomically, the same post-seal compression step
// chunk/file.Manager.CompressChunk performs on raw.log after a chunk is
// sealed. It is a no-op if the file is smaller than minBytes or is already
// compressed.
func CompressInPlace(svc TempFileService, path string, minBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("spillfile: stat %s: %w", path, err)
	}
	if info.Size() < minBytes {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("spillfile: open %s for compression: %w", path, err)
	}
	defer src.Close()

	var hdrBuf [headerSize]byte
	if _, err := io.ReadFull(src, hdrBuf[:]); err != nil {
		return fmt.Errorf("spillfile: read header of %s: %w", path, err)
	}
	hdr, err := decodeHeader(hdrBuf[:])
	if err != nil {
		return fmt.Errorf("spillfile: invalid header in %s: %w", path, err)
	}
	if hdr.Flags&flagCompressed != 0 {
		return nil
	}

	dst, err := svc.Create(0)
	if err != nil {
		return fmt.Errorf("spillfile: create compression target: %w", err)
	}
	tmpPath := dst.Name()

	newHdr := header{Flags: flagCompressed}
	buf := newHdr.encode()
	if _, err := dst.Write(buf[:]); err != nil {
		dst.Close()
		svc.Remove(tmpPath)
		return fmt.Errorf("spillfile: write compressed header: %w", err)
	}

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		svc.Remove(tmpPath)
		return fmt.Errorf("spillfile: open zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		svc.Remove(tmpPath)
		return fmt.Errorf("spillfile: compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		svc.Remove(tmpPath)
		return fmt.Errorf("spillfile: flush zstd stream: %w", err)
	}
	if err := dst.Close(); err != nil {
		svc.Remove(tmpPath)
		return fmt.Errorf("spillfile: close compression target: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		svc.Remove(tmpPath)
		return fmt.Errorf("spillfile: replace %s with compressed copy: %w", path, err)
	}
	return nil
}
