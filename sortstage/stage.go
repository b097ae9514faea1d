// Package sortstage implements an external-memory sorter stage: it accepts
// an unbounded sequence of records of a user-defined type, sorts them under
// a user-supplied total order, spilling pre-sorted runs to temporary files
// under memory pressure, and emits the final sorted sequence to a
// downstream sink on close.
package sortstage

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"sortstage/internal/logging"
	"sortstage/internal/notify"
	"sortstage/internal/pressure"
	"sortstage/internal/run"
	"sortstage/internal/spill"
)

// Stage is a single sorter pipeline stage, generic over the record type T.
// The zero value is not usable; construct one with New.
//
// Concurrency model: predominantly single-threaded cooperative on the
// caller's goroutine, with one auxiliary dispatch used exclusively by the
// memory-pressure source to perform asynchronous spills. All structural
// state — ingest buffer, run pool, spill set — is protected by a single
// coarse lock held for the duration of Process, Close, and any background
// spill. The pressure flag is an atomic that the pressure callback sets
// without taking the lock. No downstream call happens while the lock is held
// during steady-state ingest; downstream is only invoked during Close,
// after the pressure source has been deregistered.
type Stage[T any] struct {
	cmp     Comparator[T]
	reducer Reducer[T]
	opts    Options[T]

	mu             sync.Mutex
	ingest         []T
	pool           *run.Pool[T]
	spillMgr       *spill.Manager[T]
	downstream     Sink[T]
	closed         bool
	inFlightSpills int
	asyncErr       error
	stats          Stats

	pressureFlag   atomic.Bool
	pressureSource PressureSource
	unsubscribe    func()
	dispatcher     pressure.Dispatcher
	quiesced       *notify.Signal

	logger *slog.Logger
}

// New constructs a Stage that writes its sorted output to downstream.
// New panics if opts.Comparator or downstream is nil — an unordered sorter
// or a sorter with nowhere to send its output is a programmer error, not a
// condition a caller can meaningfully recover from. It returns
// ErrNoMemoryNotifier if opts supplies neither a PressureSource nor a
// MemoryLimitBytes to build the default one from.
func New[T any](downstream Sink[T], opts Options[T]) (*Stage[T], error) {
	if opts.Comparator == nil {
		panic("sortstage: Options.Comparator is required")
	}
	if downstream == nil {
		panic("sortstage: downstream sink is required")
	}
	opts.setDefaults()

	pressureSource, err := opts.buildPressureSource()
	if err != nil {
		return nil, err
	}

	logger := logging.Default(opts.Logger).With("component", "sortstage")

	mgr := spill.NewManager[T](spill.Config{
		FanIn:            opts.FanIn,
		TempDir:          opts.TempDir,
		Compress:         opts.Compress,
		CompressMinBytes: opts.CompressMinBytes,
		BufferBytes:      opts.CombineBuffer,
		Logger:           opts.Logger,
	}, opts.TempFileService, opts.Serializer, opts.Comparator)

	s := &Stage[T]{
		cmp:        opts.Comparator,
		reducer:    opts.Reducer,
		opts:       opts,
		pool:       run.NewPool[T](),
		spillMgr:   mgr,
		downstream: downstream,
		quiesced:   notify.NewSignal(),
		logger:     logger,
	}

	unsubscribe, err := pressureSource.Subscribe(s.onPressureExceeded)
	if err != nil {
		return nil, fmt.Errorf("sortstage: subscribe to memory notifications: %w", err)
	}
	s.pressureSource = pressureSource
	s.unsubscribe = unsubscribe

	logger.Info("stage constructed",
		"object_limit", opts.ObjectLimit,
		"reduce_interval", opts.ReduceInterval,
		"fan_in", opts.FanIn,
	)
	return s, nil
}

// Process appends v to the ingest buffer, triggering a reduce and possibly
// a spill if the flush conditions in the stage's design are met. It must
// not be called after Close.
func (s *Stage[T]) Process(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrProcessAfterClose
	}
	if s.asyncErr != nil {
		return s.asyncErr
	}

	s.ingest = append(s.ingest, v)
	s.stats.RecordsIngested++

	if s.needsFlushLocked() {
		if err := s.reduceLocked(); err != nil {
			return err
		}
		if s.needsFlushLocked() {
			if err := s.spillLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

// needsFlushLocked reports whether the ingest buffer or run pool has grown
// past a point where a reduce (and possibly a spill) is warranted.
func (s *Stage[T]) needsFlushLocked() bool {
	if s.pressureFlag.Load() {
		return true
	}
	if len(s.ingest) > s.opts.ReduceInterval {
		return true
	}
	if len(s.ingest)+s.pool.RecordCount() > s.opts.ObjectLimit {
		return true
	}
	return false
}

// reduceLocked seals the current ingest buffer into a new in-memory run:
// sort under the comparator, apply the reducer if configured, and hand the
// result to the run pool. A no-op on an empty buffer.
func (s *Stage[T]) reduceLocked() error {
	if len(s.ingest) == 0 {
		return nil
	}

	slices.SortFunc(s.ingest, func(a, b T) int {
		switch {
		case s.cmp(a, b):
			return -1
		case s.cmp(b, a):
			return 1
		default:
			return 0
		}
	})

	batch := s.ingest
	if s.reducer != nil {
		batch = s.reducer(batch)
	}

	s.pool.Add(run.New(batch))
	s.ingest = nil
	return nil
}

// spillLocked performs a reduce (so every live record is in the run pool),
// writes the pool out as a new on-disk run, cascades compaction back under
// the fan-in bound, and clears the pressure flag.
func (s *Stage[T]) spillLocked() error {
	if err := s.reduceLocked(); err != nil {
		return err
	}
	if err := s.spillMgr.Spill(s.pool); err != nil {
		return err
	}
	if err := s.spillMgr.Compact(); err != nil {
		return err
	}
	s.pressureFlag.Store(false)
	s.logger.Debug("spill complete", "files", s.spillMgr.FileCount())
	return nil
}

// onPressureExceeded is the memory-pressure source's callback. It performs
// no I/O itself: it sets the flag, records the event under the coarse lock
// (waiting for that lock if a spill currently holds it), and hands off to
// the dispatcher, which runs the actual spill on a background goroutine.
func (s *Stage[T]) onPressureExceeded() {
	s.pressureFlag.Store(true)

	s.mu.Lock()
	if s.closed {
		// Late notification arriving during teardown: silently discarded.
		s.mu.Unlock()
		return
	}
	s.stats.PressureEvents++
	s.inFlightSpills++
	s.mu.Unlock()

	s.dispatcher.Dispatch(
		func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				return nil
			}
			return s.spillLocked()
		},
		func(err error) {
			s.mu.Lock()
			s.inFlightSpills--
			if err != nil && s.asyncErr == nil {
				s.asyncErr = err
			}
			s.mu.Unlock()
			s.quiesced.Notify()
		},
	)
}

// awaitQuiescence blocks until no background spill is in flight. Capturing
// the signal's channel before reading inFlightSpills avoids a missed wakeup
// if a background spill completes between the check and the wait.
func (s *Stage[T]) awaitQuiescence() {
	for {
		ch := s.quiesced.C()
		s.mu.Lock()
		n := s.inFlightSpills
		s.mu.Unlock()
		if n == 0 {
			return
		}
		<-ch
	}
}

// Close deregisters the memory-pressure source, waits for any in-flight
// background spill to finish, then flushes every remaining run — on disk
// and in memory — to the downstream sink in sorted order and closes it
// exactly once. Close is idempotent in that calling it twice returns
// ErrClosed rather than re-running final emission.
func (s *Stage[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.awaitQuiescence()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.asyncErr != nil {
		s.spillMgr.Close()
		s.downstream.Close()
		return s.asyncErr
	}

	if err := s.reduceLocked(); err != nil {
		s.spillMgr.Close()
		s.downstream.Close()
		return err
	}
	mergeErr := s.spillMgr.FinalMerge(s.pool, s.downstream)
	closeErr := s.downstream.Close()
	if mergeErr != nil {
		return mergeErr
	}
	return closeErr
}

// Stats returns a snapshot of the stage's internal counters.
func (s *Stage[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.InMemoryRecords = len(s.ingest) + s.pool.RecordCount()
	st.FilesOpen = s.spillMgr.FileCount()
	st.RunsSpilled = s.spillMgr.SpillCount()
	st.CompactionsPerformed = s.spillMgr.CompactionCount()
	st.BytesSpilled = s.spillMgr.BytesSpilled()
	return st
}
