package sortstage

import (
	"log/slog"

	"sortstage/internal/format"
	"sortstage/internal/pressure"
	"sortstage/internal/run"
	"sortstage/internal/spillfile"
)

// Comparator reports whether a sorts strictly before b. Two records that
// compare equal in both directions are treated as equivalent; the sorter
// makes no stability promise between them.
type Comparator[T any] = run.Comparator[T]

// Reducer combines adjacent equal-keyed records in a locally-sorted batch
// into a shorter sorted batch. It must be order-preserving and must not
// introduce a record that would violate the order.
type Reducer[T any] = run.Reducer[T]

// Sink is the downstream consumer of the sorted stream. Process is called
// zero or more times in non-decreasing order, then Close exactly once.
type Sink[T any] interface {
	Process(v T) error
	Close() error
}

// PressureSource is the host's memory-notification service. See
// internal/pressure.Source for the full contract; it is re-exported here
// under the stage's own name so callers implementing one do not need to
// import an internal package.
type PressureSource interface {
	Subscribe(onExceeded func()) (unsubscribe func(), err error)
}

const (
	defaultObjectLimit             = 50_000_000
	defaultReduceInterval          = 100_000
	defaultCombineBuffer           = 100_000
	defaultFanIn                   = 20
	defaultMemoryThresholdFraction = 0.70
)

// Options configures a Stage. Comparator is required, and so is either
// PressureSource or MemoryLimitBytes; every other field is optional.
type Options[T any] struct {
	// Comparator supplies the total order. Required; New panics if nil,
	// since an unordered sorter is a programmer error, not a runtime
	// condition a caller can recover from.
	Comparator Comparator[T]

	// Reducer optionally collapses equal-keyed records during reduce.
	// Nil means no reduction: every ingested record is preserved.
	Reducer Reducer[T]

	// Serializer controls how records are encoded into spilled run files.
	// Defaults to format.MsgpackSerializer[T].
	Serializer format.Serializer[T]

	// TempFileService provisions and reclaims the temporary files spills
	// live in. Defaults to spillfile.DirService{Dir: TempDir}.
	TempFileService spillfile.TempFileService

	// TempDir is passed to the default TempFileService. Ignored if
	// TempFileService is set. Empty means os.TempDir().
	TempDir string

	// PressureSource is the host's memory-notification service. If nil,
	// a pressure.RuntimePoller is constructed from MemoryLimitBytes and
	// MemoryThresholdFraction. If it is nil and MemoryLimitBytes is zero,
	// New returns ErrNoMemoryNotifier.
	PressureSource PressureSource

	// MemoryLimitBytes sizes the default RuntimePoller's ceiling. Ignored
	// if PressureSource is set.
	MemoryLimitBytes uint64

	// MemoryThresholdFraction is the pool fraction at which pressure
	// fires. Zero means 0.70. Ignored if PressureSource is set.
	MemoryThresholdFraction float64

	// ObjectLimit is the hard cap on in-memory records (ingest buffer plus
	// all in-memory runs) before a forced spill. Zero means 50_000_000.
	ObjectLimit int

	// ReduceInterval is the soft trigger: once the ingest buffer alone
	// exceeds this many records, a reduce is performed. Zero means
	// 100_000.
	ReduceInterval int

	// CombineBuffer sizes, in bytes, the buffered I/O window used when
	// writing and reading spilled run files during compaction and final
	// merge. Zero means 100_000.
	CombineBuffer int

	// FanIn is the maximum number of on-disk runs tolerated before
	// cascade compaction. Zero means 20.
	FanIn int

	// Compress enables post-seal zstd compression of spilled run files
	// once they reach CompressMinBytes.
	Compress         bool
	CompressMinBytes int64

	// Logger receives structured lifecycle logs. A nil Logger discards
	// all output.
	Logger *slog.Logger
}

func (o *Options[T]) setDefaults() {
	if o.ObjectLimit <= 0 {
		o.ObjectLimit = defaultObjectLimit
	}
	if o.ReduceInterval <= 0 {
		o.ReduceInterval = defaultReduceInterval
	}
	if o.CombineBuffer <= 0 {
		o.CombineBuffer = defaultCombineBuffer
	}
	if o.FanIn <= 0 {
		o.FanIn = defaultFanIn
	}
	if o.MemoryThresholdFraction <= 0 {
		o.MemoryThresholdFraction = defaultMemoryThresholdFraction
	}
}

// buildPressureSource resolves Options.PressureSource, constructing the
// default RuntimePoller when none was supplied.
func (o *Options[T]) buildPressureSource() (PressureSource, error) {
	if o.PressureSource != nil {
		return o.PressureSource, nil
	}
	if o.MemoryLimitBytes == 0 {
		return nil, ErrNoMemoryNotifier
	}
	poller, err := pressure.NewRuntimePoller(pressure.Config{
		LimitBytes: o.MemoryLimitBytes,
		Fraction:   o.MemoryThresholdFraction,
	})
	if err != nil {
		return nil, err
	}
	return poller, nil
}
