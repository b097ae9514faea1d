// Package spill owns the set of on-disk temporary runs: it turns an
// in-memory run pool into a sealed file, and enforces the fan-in bound by
// cascading merges over the smallest files first.
package spill

import (
	"log/slog"
	"os"
	"slices"

	"golang.org/x/sync/errgroup"

	"sortstage/internal/format"
	"sortstage/internal/logging"
	"sortstage/internal/merge"
	"sortstage/internal/run"
	"sortstage/internal/spillfile"
)

const (
	defaultFanIn = 20
	// compactionSlackBytes is added on top of twice the cohort's total
	// bytes when sizing a compaction target file, pre-reserving space to
	// avoid fragmentation surprises (spec §4.4).
	compactionSlackBytes = 1 << 30
)

// Config tunes a Manager. All fields are optional; the zero value is a
// usable configuration.
type Config struct {
	// FanIn is the maximum number of on-disk runs tolerated before
	// cascade compaction kicks in. Zero means defaultFanIn (20).
	FanIn int

	// TempDir is passed to the default DirService when no TempFileService
	// is supplied to NewManager. Empty means os.TempDir().
	TempDir string

	// Compress enables post-seal zstd compression of run files whose size
	// reaches CompressMinBytes.
	Compress         bool
	CompressMinBytes int64

	// BufferBytes sizes the buffered I/O window used when writing and
	// reading run files. Zero uses bufio's default.
	BufferBytes int

	Logger *slog.Logger
}

type fileRun struct {
	path  string
	bytes int64
}

// Manager owns the lifecycle of a sorter stage's on-disk runs.
type Manager[T any] struct {
	cfg    Config
	svc    spillfile.TempFileService
	ser    format.Serializer[T]
	cmp    run.Comparator[T]
	logger *slog.Logger

	files []fileRun

	spillCount      int
	compactionCount int
	bytesSpilled    int64
}

// NewManager constructs a Manager. A nil svc defaults to
// spillfile.DirService{Dir: cfg.TempDir}; a nil ser defaults to
// format.MsgpackSerializer[T].
func NewManager[T any](cfg Config, svc spillfile.TempFileService, ser format.Serializer[T], cmp run.Comparator[T]) *Manager[T] {
	if cfg.FanIn <= 0 {
		cfg.FanIn = defaultFanIn
	}
	if svc == nil {
		svc = spillfile.DirService{Dir: cfg.TempDir}
	}
	if ser == nil {
		ser = format.MsgpackSerializer[T]{}
	}
	return &Manager[T]{
		cfg:    cfg,
		svc:    svc,
		ser:    ser,
		cmp:    cmp,
		logger: logging.Default(cfg.Logger).With("component", "spill"),
	}
}

// FileCount returns the number of on-disk runs currently owned by the
// manager.
func (m *Manager[T]) FileCount() int {
	return len(m.files)
}

// SpillCount returns the number of times Spill has written a new run file.
func (m *Manager[T]) SpillCount() int {
	return m.spillCount
}

// CompactionCount returns the number of cascade-compaction rounds
// performed so far.
func (m *Manager[T]) CompactionCount() int {
	return m.compactionCount
}

// BytesSpilled returns the cumulative bytes written across every run file
// the manager has created, including compaction output.
func (m *Manager[T]) BytesSpilled() int64 {
	return m.bytesSpilled
}

// Spill merges the pool's runs into a single new on-disk run and empties
// the pool. A pool with no records is a no-op.
func (m *Manager[T]) Spill(pool *run.Pool[T]) error {
	if pool.RecordCount() == 0 {
		return nil
	}
	if _, err := m.mergeToNewFile(pool.Cursors(), 0); err != nil {
		return err
	}
	pool.Reset()
	m.logger.Debug("spilled pool to disk", "files", len(m.files))
	return nil
}

func (m *Manager[T]) mergeToNewFile(cursors []run.Cursor[T], sizeHint int64) (fileRun, error) {
	w, err := spillfile.NewWriter(m.svc, sizeHint, m.ser, m.cfg.BufferBytes)
	if err != nil {
		return fileRun{}, err
	}

	if err := merge.Merge(cursors, m.cmp, w); err != nil {
		path := w.Path()
		w.Close()
		m.svc.Remove(path)
		return fileRun{}, err
	}

	path, bytes, _, err := w.Close()
	if err != nil {
		return fileRun{}, err
	}

	if m.cfg.Compress {
		if err := spillfile.CompressInPlace(m.svc, path, m.cfg.CompressMinBytes); err != nil {
			m.svc.Remove(path)
			return fileRun{}, err
		}
		if info, statErr := os.Stat(path); statErr == nil {
			bytes = info.Size()
		}
	}

	fr := fileRun{path: path, bytes: bytes}
	m.files = append(m.files, fr)
	m.spillCount++
	m.bytesSpilled += bytes
	return fr, nil
}

// Compact repeatedly cascades small-files-first merges until the number of
// on-disk runs is at most Config.FanIn.
func (m *Manager[T]) Compact() error {
	for len(m.files) > m.cfg.FanIn {
		if err := m.compactRound(); err != nil {
			return err
		}
	}
	return nil
}

// compactRound performs one pass of the small-files-first cascade. It
// carves as many disjoint fan-in-sized cohorts as will, in a single pass,
// bring the file count at or below the fan-in bound, and merges those
// cohorts concurrently — an elaboration of the spec's one-cohort-at-a-time
// description that produces an identical final file set (merge order does
// not affect sortedness or the fan-in bound) while collapsing a large
// backlog in fewer sequential I/O round trips.
func (m *Manager[T]) compactRound() error {
	bound := m.cfg.FanIn
	fanIn := bound
	if fanIn < 2 {
		fanIn = 2
	}

	slices.SortFunc(m.files, func(a, b fileRun) int {
		switch {
		case a.bytes < b.bytes:
			return -1
		case a.bytes > b.bytes:
			return 1
		default:
			return 0
		}
	})

	excess := len(m.files) - bound
	if excess <= 0 {
		return nil
	}

	maxCohorts := len(m.files) / fanIn
	cohortsNeeded := (excess + fanIn - 2) / (fanIn - 1)
	k := min(cohortsNeeded, maxCohorts)
	if k < 1 {
		k = 1
	}

	cohorts := make([][]fileRun, k)
	for i := range cohorts {
		cohorts[i] = append([]fileRun(nil), m.files[i*fanIn:(i+1)*fanIn]...)
	}
	remaining := append([]fileRun(nil), m.files[k*fanIn:]...)

	results := make([]fileRun, k)
	g := new(errgroup.Group)
	for i, cohort := range cohorts {
		i, cohort := i, cohort
		g.Go(func() error {
			result, err := m.mergeCohort(cohort)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.files = append(remaining, results...)
	m.compactionCount++
	for _, r := range results {
		m.bytesSpilled += r.bytes
	}
	m.logger.Debug("compacted cohorts", "cohorts", k, "files", len(m.files))
	return nil
}

func (m *Manager[T]) mergeCohort(cohort []fileRun) (fileRun, error) {
	var cohortBytes int64
	for _, f := range cohort {
		cohortBytes += f.bytes
	}
	sizeHint := 2*cohortBytes + compactionSlackBytes

	cursors := make([]run.Cursor[T], 0, len(cohort))
	for _, f := range cohort {
		r, err := spillfile.Open[T](f.path, m.ser, m.cfg.BufferBytes)
		if err != nil {
			for _, c := range cursors {
				c.Close()
			}
			return fileRun{}, err
		}
		cursors = append(cursors, r)
	}

	result, err := m.mergeToNewFileDetached(cursors, sizeHint)
	if err != nil {
		return fileRun{}, err
	}

	for _, f := range cohort {
		m.svc.Remove(f.path)
	}
	return result, nil
}

// mergeToNewFileDetached is mergeToNewFile without the m.files append,
// since compactRound assembles the new file list itself once every cohort
// in a round has finished (cohorts merge concurrently and must not race on
// m.files).
func (m *Manager[T]) mergeToNewFileDetached(cursors []run.Cursor[T], sizeHint int64) (fileRun, error) {
	w, err := spillfile.NewWriter(m.svc, sizeHint, m.ser, m.cfg.BufferBytes)
	if err != nil {
		return fileRun{}, err
	}

	if err := merge.Merge(cursors, m.cmp, w); err != nil {
		path := w.Path()
		w.Close()
		m.svc.Remove(path)
		return fileRun{}, err
	}

	path, bytes, _, err := w.Close()
	if err != nil {
		return fileRun{}, err
	}

	if m.cfg.Compress {
		if err := spillfile.CompressInPlace(m.svc, path, m.cfg.CompressMinBytes); err != nil {
			m.svc.Remove(path)
			return fileRun{}, err
		}
		if info, statErr := os.Stat(path); statErr == nil {
			bytes = info.Size()
		}
	}

	return fileRun{path: path, bytes: bytes}, nil
}

// FinalMerge drains every run the manager knows about — on-disk and,
// if supplied, still in-memory — into sink in sorted order. After
// FinalMerge returns (successfully or not) no run file remains open; on
// success none remain on disk either.
func (m *Manager[T]) FinalMerge(pool *run.Pool[T], sink merge.Sink[T]) error {
	if len(m.files) == 0 {
		return merge.Merge(pool.Cursors(), m.cmp, sink)
	}

	if pool.RecordCount() > 0 {
		if err := m.Spill(pool); err != nil {
			return err
		}
	}
	if err := m.Compact(); err != nil {
		return err
	}

	cursors := make([]run.Cursor[T], 0, len(m.files))
	for _, f := range m.files {
		r, err := spillfile.Open[T](f.path, m.ser, m.cfg.BufferBytes)
		if err != nil {
			for _, c := range cursors {
				c.Close()
			}
			return err
		}
		cursors = append(cursors, r)
	}

	err := merge.Merge(cursors, m.cmp, sink)

	for _, f := range m.files {
		m.svc.Remove(f.path)
	}
	m.files = nil

	return err
}

// Close deletes any temp files the manager still owns. It is the cleanup
// safety net for the error and early-shutdown paths; on a clean FinalMerge
// there is nothing left for it to do.
func (m *Manager[T]) Close() error {
	var firstErr error
	for _, f := range m.files {
		if err := m.svc.Remove(f.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.files = nil
	return firstErr
}
