package sortstage

import "errors"

var (
	// ErrClosed is returned by Close when the stage has already been
	// closed. Process reports the same condition as ErrProcessAfterClose.
	ErrClosed = errors.New("sortstage: stage is closed")

	// ErrProcessAfterClose is returned by Process after Close has been
	// called, even if Close has not yet returned.
	ErrProcessAfterClose = errors.New("sortstage: process called after close")

	// ErrNoMemoryNotifier is returned by New when the caller supplies
	// neither a PressureSource nor a memory limit to build the built-in
	// one from: the sorter has no way to bound its memory footprint and
	// refuses to run unbounded.
	ErrNoMemoryNotifier = errors.New("sortstage: no memory-notification facility configured")
)
