package sortstage

// Stats is an immutable snapshot of a Stage's internal counters, read under
// its coarse lock. It exists for operational visibility — dashboards and
// tests — not to drive any decision inside the stage itself.
type Stats struct {
	// RecordsIngested is the total number of records ever passed to
	// Process.
	RecordsIngested int64

	// InMemoryRecords is the current count of records held in the ingest
	// buffer and the run pool combined.
	InMemoryRecords int

	// FilesOpen is the number of on-disk run files currently owned by the
	// stage.
	FilesOpen int

	// RunsSpilled is the number of times the stage has spilled in-memory
	// runs to a new run file. Files written by compaction are not counted
	// here; see CompactionsPerformed.
	RunsSpilled int

	// CompactionsPerformed is the number of cascade-compaction rounds run
	// so far.
	CompactionsPerformed int

	// BytesSpilled is the cumulative size of every run file the stage has
	// written, including compaction output.
	BytesSpilled int64

	// PressureEvents is the number of times the memory-pressure source has
	// fired a threshold-exceeded callback.
	PressureEvents int64
}
