// Package pressure implements the memory-pressure signaling contract
// between the host process and the sorter stage (spec §4.5).
package pressure

import (
	"errors"
	"runtime"
	"time"
)

// ErrNoLimit is returned by NewRuntimePoller when no heap ceiling is
// configured. The stage does not pass a zero ceiling through to here: it
// checks for that case itself and returns its own ErrNoMemoryNotifier.
var ErrNoLimit = errors.New("pressure: LimitBytes must be > 0")

// Source is the host's memory-notification service. Subscribe arms the
// source; onExceeded is called asynchronously (never synchronously inside
// Subscribe, and never on a caller-visible "notifier thread" that must
// stay unblocked) whenever usage crosses the configured threshold. The
// returned unsubscribe func deregisters the source; it may be called at
// most once and must not be called while holding the stage's coarse lock
// if the source's own teardown can block (the built-in RuntimePoller's
// unsubscribe waits for its poll goroutine to exit, which is prompt).
type Source interface {
	Subscribe(onExceeded func()) (unsubscribe func(), err error)
}

// Config tunes a RuntimePoller.
type Config struct {
	// LimitBytes is the host-configured heap ceiling. Required.
	LimitBytes uint64

	// Fraction is the pool fraction at which pressure fires. Zero means
	// 0.70 (spec default memory-threshold-fraction).
	Fraction float64

	// Interval is the polling period. Zero means 250ms.
	Interval time.Duration
}

// RuntimePoller is the built-in Source: it has no JVM-style memory-pool
// listener to register with, so it polls runtime.MemStats on a ticker and
// treats crossing Fraction*LimitBytes as a threshold-exceeded event. Hosts
// that have a real push-based signal (e.g. a cgroup memory.pressure file)
// should implement Source themselves instead.
type RuntimePoller struct {
	limit    uint64
	fraction float64
	interval time.Duration
}

// NewRuntimePoller validates cfg and applies defaults.
func NewRuntimePoller(cfg Config) (*RuntimePoller, error) {
	if cfg.LimitBytes == 0 {
		return nil, ErrNoLimit
	}
	if cfg.Fraction <= 0 {
		cfg.Fraction = 0.70
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	return &RuntimePoller{limit: cfg.LimitBytes, fraction: cfg.Fraction, interval: cfg.Interval}, nil
}

// Subscribe starts the poll goroutine. onExceeded is invoked once per tick
// in which usage is at or above the threshold; it is the caller's
// responsibility to treat repeated firings idempotently (the stage does,
// via an atomic flag).
func (p *RuntimePoller) Subscribe(onExceeded func()) (func(), error) {
	threshold := uint64(float64(p.limit) * p.fraction)

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if MemoryInuse() >= threshold {
					onExceeded()
				}
			}
		}
	}()

	unsubscribe := func() {
		close(stop)
		<-done
	}
	return unsubscribe, nil
}

// MemoryInuse returns the memory actively in use by the Go runtime, in
// bytes: HeapInuse (live heap spans) plus StackInuse (goroutine stacks),
// excluding virtual address space reserved but not committed.
func MemoryInuse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse + m.StackInuse
}
