package pressure

import "sortstage/internal/callgroup"

// Dispatcher runs a single spill-on-pressure callback at a time, collapsing
// any onExceeded firings that arrive while one is already in flight into
// that same in-flight call — the notifier goroutine must never block on I/O,
// and a Source may fire repeatedly before a slow spill finishes.
type Dispatcher struct {
	group callgroup.Group[string]
}

// dispatchKey is the sole key in the dedup group: there is only ever one
// kind of work a Dispatcher runs.
const dispatchKey = "spill"

// Dispatch starts fn in the background if no call is already in flight,
// and folds into the in-flight call otherwise. It returns immediately in
// both cases. onDone, if non-nil, is called exactly once per Dispatch call
// with the eventual result (nil on success), even when that result was
// produced by a call this invocation merely rode along with.
func (d *Dispatcher) Dispatch(fn func() error, onDone func(error)) {
	ch := d.group.DoChan(dispatchKey, fn)
	go func() {
		err := <-ch
		if onDone != nil {
			onDone(err)
		}
	}()
}
