package sortstage_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"sortstage"
	"sortstage/internal/spillfile"
	"sortstage/sortstagetest"
)

func newIntStage(t *testing.T, objectLimit int, sink *sortstagetest.RecordingSink[int]) *sortstage.Stage[int] {
	t.Helper()
	stage, err := sortstage.New[int](sink, sortstage.Options[int]{
		Comparator:      sortstagetest.IntLess,
		TempFileService: sortstagetest.TempFileService(t),
		ObjectLimit:     objectLimit,
		ReduceInterval:  objectLimit,
		FanIn:           20,
		PressureSource:  &sortstagetest.ManualPressureSource{},
	})
	if err != nil {
		t.Fatalf("sortstage.New: %v", err)
	}
	return stage
}

// === E1: basic sortedness ===

func TestE1BasicSort(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	stage := newIntStage(t, 1_000_000, sink)

	for _, v := range []int{3, 1, 2} {
		if err := stage.Process(v); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []int{1, 2, 3}
	got := sink.Values()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if sink.CloseCount != 1 {
		t.Fatalf("CloseCount = %d, want 1", sink.CloseCount)
	}
}

// === E2: duplicates preserved without a reducer ===

func TestE2DuplicatesPreserved(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	stage := newIntStage(t, 1_000_000, sink)

	for range 4 {
		if err := stage.Process(5); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.Values()
	if len(got) != 4 {
		t.Fatalf("got %v, want four 5s", got)
	}
	for _, v := range got {
		if v != 5 {
			t.Fatalf("got %v, want all 5s", got)
		}
	}
}

// === E3: spill correctness under low object-limit, large input ===

func TestE3SpillsAndProducesSortedPermutation(t *testing.T) {
	const n = 20_000
	input := make([]int, n)
	seed := uint32(12345)
	for i := range input {
		seed = seed*1664525 + 1013904223
		input[i] = int(seed % 1_000_000)
	}

	sink := &sortstagetest.RecordingSink[int]{}
	stage := newIntStage(t, 500, sink)

	for _, v := range input {
		if err := stage.Process(v); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	stats := stage.Stats()
	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if stats.RunsSpilled == 0 {
		t.Fatal("expected at least one spill with a low object limit")
	}

	got := sink.Values()
	if len(got) != len(input) {
		t.Fatalf("got %d records, want %d", len(got), len(input))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("output not sorted at index %d: %d > %d", i, got[i-1], got[i])
		}
	}

	wantCounts := countOf(input)
	gotCounts := countOf(got)
	if len(wantCounts) != len(gotCounts) {
		t.Fatalf("multiset mismatch: distinct values got %d, want %d", len(gotCounts), len(wantCounts))
	}
	for k, v := range wantCounts {
		if gotCounts[k] != v {
			t.Fatalf("multiset mismatch at %d: got %d, want %d", k, gotCounts[k], v)
		}
	}
}

func countOf(vs []int) map[int]int {
	m := make(map[int]int, len(vs))
	for _, v := range vs {
		m[v]++
	}
	return m
}

// === E4: reducer fidelity (sum-by-key) ===

type kv struct {
	Key   string
	Value int
}

func TestE4ReducerFidelity(t *testing.T) {
	sink := &sortstagetest.RecordingSink[kv]{}
	stage, err := sortstage.New[kv](sink, sortstage.Options[kv]{
		Comparator:      func(a, b kv) bool { return a.Key < b.Key },
		Reducer:         sumByKey,
		TempFileService: sortstagetest.TempFileService(t),
		ObjectLimit:     1_000_000,
		ReduceInterval:  1_000_000,
		PressureSource:  &sortstagetest.ManualPressureSource{},
	})
	if err != nil {
		t.Fatalf("sortstage.New: %v", err)
	}

	input := []kv{{"A", 1}, {"B", 2}, {"A", 3}, {"A", 4}, {"B", 5}}
	for _, r := range input {
		if err := stage.Process(r); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.Values()
	want := []kv{{"A", 8}, {"B", 7}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func sumByKey(sorted []kv) []kv {
	var out []kv
	for _, r := range sorted {
		if n := len(out); n > 0 && out[n-1].Key == r.Key {
			out[n-1].Value += r.Value
			continue
		}
		out = append(out, r)
	}
	return out
}

// === E5: empty input ===

func TestE5EmptyInput(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	stage := newIntStage(t, 1_000_000, sink)

	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sink.Values(); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
	if sink.CloseCount != 1 {
		t.Fatalf("CloseCount = %d, want 1", sink.CloseCount)
	}
}

// === E6: pressure event mid-stream ===

func TestE6PressureEventMidStream(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	source := &sortstagetest.ManualPressureSource{}

	stage, err := sortstage.New[int](sink, sortstage.Options[int]{
		Comparator:      sortstagetest.IntLess,
		TempFileService: sortstagetest.TempFileService(t),
		ObjectLimit:     1_000_000,
		ReduceInterval:  1_000_000,
		PressureSource:  source,
	})
	if err != nil {
		t.Fatalf("sortstage.New: %v", err)
	}

	if err := stage.Process(2); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := stage.Process(1); err != nil {
		t.Fatalf("Process: %v", err)
	}

	source.Fire()
	waitForSpill(t, stage)

	if err := stage.Process(4); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := stage.Process(3); err != nil {
		t.Fatalf("Process: %v", err)
	}

	statsBeforeClose := stage.Stats()
	if statsBeforeClose.RunsSpilled == 0 {
		t.Fatal("expected the pressure event to trigger a spill")
	}

	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []int{1, 2, 3, 4}
	got := sink.Values()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func waitForSpill(t *testing.T, stage *sortstage.Stage[int]) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if stage.Stats().RunsSpilled > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for background spill to complete")
}

// === property: process after close ===

func TestProcessAfterCloseRejected(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	stage := newIntStage(t, 1_000_000, sink)

	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := stage.Process(1); !errors.Is(err, sortstage.ErrProcessAfterClose) {
		t.Fatalf("Process after close = %v, want ErrProcessAfterClose", err)
	}
}

func TestCloseTwiceReturnsErrClosed(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	stage := newIntStage(t, 1_000_000, sink)

	if err := stage.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := stage.Close(); !errors.Is(err, sortstage.ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
	if sink.CloseCount != 1 {
		t.Fatalf("CloseCount = %d, want 1 (not re-invoked on double Close)", sink.CloseCount)
	}
}

func TestNewRequiresMemoryNotifier(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	_, err := sortstage.New[int](sink, sortstage.Options[int]{
		Comparator: sortstagetest.IntLess,
	})
	if !errors.Is(err, sortstage.ErrNoMemoryNotifier) {
		t.Fatalf("got %v, want ErrNoMemoryNotifier", err)
	}
}

func TestNewWithMemoryLimitBuildsDefaultPoller(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	stage, err := sortstage.New[int](sink, sortstage.Options[int]{
		Comparator:       sortstagetest.IntLess,
		TempFileService:  sortstagetest.TempFileService(t),
		MemoryLimitBytes: 1 << 30,
	})
	if err != nil {
		t.Fatalf("sortstage.New: %v", err)
	}
	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNilComparatorPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil comparator")
		}
	}()
	sink := &sortstagetest.RecordingSink[int]{}
	_, _ = sortstage.New[int](sink, sortstage.Options[int]{
		PressureSource: &sortstagetest.ManualPressureSource{},
	})
}

func TestCascadeBoundHeldAtFinalMerge(t *testing.T) {
	sink := &sortstagetest.RecordingSink[int]{}
	stage, err := sortstage.New[int](sink, sortstage.Options[int]{
		Comparator:      sortstagetest.IntLess,
		TempFileService: sortstagetest.TempFileService(t),
		ObjectLimit:     5,
		ReduceInterval:  5,
		FanIn:           3,
		PressureSource:  &sortstagetest.ManualPressureSource{},
	})
	if err != nil {
		t.Fatalf("sortstage.New: %v", err)
	}

	for i := range 200 {
		if err := stage.Process(200 - i); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	if got := stage.Stats().FilesOpen; got > 3 {
		t.Fatalf("FilesOpen = %d, want <= fan-in (3) mid-stream", got)
	}

	if err := stage.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.Values()
	if len(got) != 200 {
		t.Fatalf("got %d records, want 200", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("output not sorted at %d", i)
		}
	}
}

func TestDownstreamErrorPropagatesAndStillCleansUpTemps(t *testing.T) {
	dir := t.TempDir()
	sink := &sortstagetest.RecordingSink[int]{ProcessErr: errBoom}
	stage, err := sortstage.New[int](sink, sortstage.Options[int]{
		Comparator:      sortstagetest.IntLess,
		TempFileService: spillfile.DirService{Dir: dir},
		ObjectLimit:     5,
		ReduceInterval:  5,
		PressureSource:  &sortstagetest.ManualPressureSource{},
	})
	if err != nil {
		t.Fatalf("sortstage.New: %v", err)
	}

	for i := range 20 {
		if err := stage.Process(i); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	closeErr := stage.Close()
	if !errors.Is(closeErr, errBoom) {
		t.Fatalf("Close error = %v, want errBoom", closeErr)
	}
	if sink.CloseCount != 1 {
		t.Fatalf("CloseCount = %d, want 1 even on merge error", sink.CloseCount)
	}

	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		t.Fatalf("ReadDir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir empty after failed Close, got %v", entries)
	}
}

var errBoom = errors.New("boom")
