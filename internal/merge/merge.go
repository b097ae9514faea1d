// Package merge implements the bounded-fan-in k-way merge that streams
// sorted output from any mix of in-memory runs and file-backed runs.
package merge

import (
	"container/heap"

	"sortstage/internal/run"
)

// Sink receives the merged output in non-decreasing order.
type Sink[T any] interface {
	Process(v T) error
}

// entry pairs a cursor with its currently-loaded top record.
type entry[T any] struct {
	cursor run.Cursor[T]
	top    T
}

// cursorHeap is a min-heap of entries ordered by the caller's comparator.
type cursorHeap[T any] struct {
	entries []*entry[T]
	less    run.Comparator[T]
}

func (h *cursorHeap[T]) Len() int { return len(h.entries) }
func (h *cursorHeap[T]) Less(i, j int) bool {
	return h.less(h.entries[i].top, h.entries[j].top)
}
func (h *cursorHeap[T]) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *cursorHeap[T]) Push(x any) {
	h.entries = append(h.entries, x.(*entry[T]))
}

func (h *cursorHeap[T]) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}

// Merge streams the union of cursors, in non-decreasing order under cmp,
// to sink. Every cursor is closed, whether it is drained normally or
// abandoned because of an error. Merge never materializes a run: all reads
// are streaming.
//
// The inner loop implements the streak optimization described by the
// sorter's merge protocol: once a cursor is popped as the minimum, it keeps
// emitting directly — without any heap operation — for as long as its
// current top compares less-than-or-equal to the heap's new minimum. This
// is the common case when inputs are already near-sorted runs. When only
// one cursor remains, it is drained directly with no heap operations at
// all.
func Merge[T any](cursors []run.Cursor[T], cmp run.Comparator[T], sink Sink[T]) error {
	h := &cursorHeap[T]{less: cmp}

	var closeErr error
	closeAll := func(cs []run.Cursor[T]) {
		for _, c := range cs {
			if err := c.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	}
	closeEntries := func(es []*entry[T]) {
		for _, e := range es {
			if err := e.cursor.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	}

	for _, c := range cursors {
		rec, ok, err := c.Next()
		if err != nil {
			closeAll(cursors)
			return err
		}
		if !ok {
			if err := c.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
			continue
		}
		heap.Push(h, &entry[T]{cursor: c, top: rec})
	}

	for h.Len() > 0 {
		e := heap.Pop(h).(*entry[T])

		for {
			if err := sink.Process(e.top); err != nil {
				e.cursor.Close()
				closeEntries(h.entries)
				return err
			}

			rec, ok, err := e.cursor.Next()
			if err != nil {
				e.cursor.Close()
				closeEntries(h.entries)
				return err
			}
			if !ok {
				if err := e.cursor.Close(); err != nil && closeErr == nil {
					closeErr = err
				}
				e = nil
				break
			}
			e.top = rec

			if h.Len() == 0 {
				// e is the only cursor left; drain it directly without
				// ever touching the heap again.
				continue
			}
			if !run.LessOrEqual(cmp, e.top, h.entries[0].top) {
				break
			}
		}

		if e != nil {
			heap.Push(h, e)
		}
	}

	return closeErr
}
