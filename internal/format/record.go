// Package format defines the record-level encoding shared by every run
// file: a length-prefixed sequence of serialized records. The file-level
// framing that wraps this sequence is owned by internal/spillfile, the
// only package that writes or reads a complete run file.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// LengthFieldBytes is the size of the length prefix on each record.
	LengthFieldBytes = 4
)

var (
	ErrRecordTooLarge = errors.New("format: encoded record exceeds maximum size")
)

// Serializer converts values of T to and from their on-disk representation.
// Encode must be the inverse of Decode: Decode(Encode(v)) must reproduce a
// value observationally equal to v. Implementations must not mutate shared
// state; a Serializer is used concurrently across runs belonging to the
// same stage only under the stage's coarse lock, but readers and writers
// for different runs may run in different goroutines during compaction.
type Serializer[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// MsgpackSerializer is the default Serializer, used whenever a stage is not
// configured with a user-supplied one. T must be a type msgpack can encode
// (structs, maps, and the usual scalar/slice kinds).
type MsgpackSerializer[T any] struct{}

func (MsgpackSerializer[T]) Encode(v T) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackSerializer[T]) Decode(data []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(data, &v)
	return v, err
}

// WriteRecord writes one length-prefixed record to w using ser to encode v.
func WriteRecord[T any](w io.Writer, ser Serializer[T], v T) error {
	payload, err := ser.Encode(v)
	if err != nil {
		return fmt.Errorf("format: encode record: %w", err)
	}
	if len(payload) > math.MaxUint32-LengthFieldBytes {
		return ErrRecordTooLarge
	}

	var lenBuf [LengthFieldBytes]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("format: write record length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("format: write record payload: %w", err)
	}
	return nil
}

// ReadRecord reads one length-prefixed record from r using ser to decode it.
// It returns io.EOF (unwrapped, so callers can compare with ==) exactly when
// r is at a clean record boundary with nothing left to read. Any other
// truncation is reported as io.ErrUnexpectedEOF.
func ReadRecord[T any](r io.Reader, ser Serializer[T]) (T, error) {
	var zero T

	var lenBuf [LengthFieldBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return zero, io.EOF
		}
		return zero, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return zero, io.ErrUnexpectedEOF
	}

	v, err := ser.Decode(payload)
	if err != nil {
		return zero, fmt.Errorf("format: decode record: %w", err)
	}
	return v, nil
}
