// Package sortstagetest provides shared test helpers for exercising a
// sortstage.Stage without repeating the temp-file and recording-sink
// wiring in every test file.
package sortstagetest

import (
	"sync"
	"testing"

	"sortstage/internal/spillfile"
)

// IntLess is a ready-made comparator for plain ints, useful for the bulk of
// sortedness/conservation tests that don't care about record shape.
func IntLess(a, b int) bool { return a < b }

// TempFileService returns a spillfile.TempFileService backed by
// t.TempDir(), cleaned up automatically when the test ends.
func TempFileService(t *testing.T) spillfile.TempFileService {
	t.Helper()
	return spillfile.DirService{Dir: t.TempDir()}
}

// RecordingSink is a downstream sink that records every value it receives,
// in the order received, and tracks how many times Close was called so
// tests can assert the "downstream close exactly once" property.
type RecordingSink[T any] struct {
	mu         sync.Mutex
	Records    []T
	CloseCount int
	ProcessErr error
	CloseErr   error
}

// Process appends v, returning ProcessErr if the test configured one to
// inject a downstream failure.
func (s *RecordingSink[T]) Process(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProcessErr != nil {
		return s.ProcessErr
	}
	s.Records = append(s.Records, v)
	return nil
}

// Close increments CloseCount, returning CloseErr if one was configured.
func (s *RecordingSink[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return s.CloseErr
}

// Values returns a snapshot of the records received so far.
func (s *RecordingSink[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.Records))
	copy(out, s.Records)
	return out
}

// ManualPressureSource is a sortstage.PressureSource a test can fire on
// demand, standing in for a real memory-pressure signal.
type ManualPressureSource struct {
	mu       sync.Mutex
	onExceed func()
}

// Subscribe records the callback and returns an unsubscribe func that
// forgets it.
func (m *ManualPressureSource) Subscribe(onExceeded func()) (func(), error) {
	m.mu.Lock()
	m.onExceed = onExceeded
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.onExceed = nil
		m.mu.Unlock()
	}, nil
}

// Fire invokes the subscribed callback synchronously, if any. It mimics a
// host notification arriving; the stage is responsible for not blocking
// the caller on I/O in response.
func (m *ManualPressureSource) Fire() {
	m.mu.Lock()
	cb := m.onExceed
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}
