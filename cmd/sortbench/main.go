// Command sortbench drives a sortstage.Stage with synthetic records and
// reports throughput and spill behavior. It is a demo/benchmark tool, not a
// query interface: it never reads sorted output back for retrieval, only
// verifies ordering and prints counters.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"

	"sortstage"
	"sortstage/internal/logging"
	"sortstage/internal/registry"
	"sortstage/internal/run"
)

// comparators is the process-wide registry of comparator tags available to
// sortbench's --comparator-tag flag, the "stage-assembly time" caller
// design note 1 describes: a string tag resolved to a constructor rather
// than a bare closure wired in by hand.
var comparators = registry.New[int64]()

// reducers is the equivalent registry for --reducer-tag.
var reducers = registry.New[int64]()

func init() {
	comparators.RegisterComparator("asc", func(map[string]string) (run.Comparator[int64], error) {
		return func(a, b int64) bool { return a < b }, nil
	})
	comparators.RegisterComparator("desc", func(map[string]string) (run.Comparator[int64], error) {
		return func(a, b int64) bool { return a > b }, nil
	})

	reducers.RegisterReducer("none", func(map[string]string) (run.Reducer[int64], error) {
		return nil, nil
	})
	reducers.RegisterReducer("dedupe", func(map[string]string) (run.Reducer[int64], error) {
		return dedupeReducer, nil
	})
}

// dedupeReducer collapses runs of equal adjacent values into one.
func dedupeReducer(sorted []int64) []int64 {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := newRootCommand(logger)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("sortbench failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	var (
		recordCount    int
		objectLimit    int
		fanIn          int
		memLimitMB     int
		compress       bool
		runName        string
		reduceInterval int
		comparatorTag  string
		reducerTag     string
	)

	cmd := &cobra.Command{
		Use:   "sortbench",
		Short: "Generate synthetic records and benchmark the sort stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runName == "" {
				runName = petname.Generate(2, "-")
			}
			runLogger := logger.With("component", "sortbench", "run", runName)
			return runBenchmark(runLogger, benchConfig{
				recordCount:    recordCount,
				objectLimit:    objectLimit,
				reduceInterval: reduceInterval,
				fanIn:          fanIn,
				memLimitBytes:  uint64(memLimitMB) * 1024 * 1024,
				compress:       compress,
				comparatorTag:  comparatorTag,
				reducerTag:     reducerTag,
			})
		},
	}

	cmd.Flags().IntVar(&recordCount, "records", 1_000_000, "number of synthetic records to generate")
	cmd.Flags().IntVar(&objectLimit, "object-limit", 50_000, "in-memory record cap before a forced spill")
	cmd.Flags().IntVar(&reduceInterval, "reduce-interval", 20_000, "ingest buffer size that triggers a reduce")
	cmd.Flags().IntVar(&fanIn, "fan-in", 20, "max on-disk runs before cascade compaction")
	cmd.Flags().IntVar(&memLimitMB, "mem-limit-mb", 512, "heap ceiling in MiB for the default memory-pressure poller")
	cmd.Flags().BoolVar(&compress, "compress", false, "zstd-compress spilled run files above 1MiB")
	cmd.Flags().StringVar(&runName, "run-name", "", "label for this run in logs; defaults to a generated petname")
	cmd.Flags().StringVar(&comparatorTag, "comparator-tag", "asc", "registered comparator to sort by (asc, desc)")
	cmd.Flags().StringVar(&reducerTag, "reducer-tag", "none", "registered reducer to apply during reduce (none, dedupe)")

	return cmd
}

type benchConfig struct {
	recordCount    int
	objectLimit    int
	reduceInterval int
	fanIn          int
	memLimitBytes  uint64
	compress       bool
	comparatorTag  string
	reducerTag     string
}

type countingSink struct {
	cmp   run.Comparator[int64]
	count int64
	prev  int64
	seen  bool
}

func (s *countingSink) Process(v int64) error {
	if s.seen && s.cmp(v, s.prev) {
		return fmt.Errorf("sortbench: output not sorted: %d came after %d", v, s.prev)
	}
	s.prev = v
	s.seen = true
	s.count++
	return nil
}

func (s *countingSink) Close() error { return nil }

func runBenchmark(logger *slog.Logger, cfg benchConfig) error {
	cmp, err := comparators.Comparator(cfg.comparatorTag, nil)
	if err != nil {
		return fmt.Errorf("sortbench: resolve comparator: %w", err)
	}
	reduce, err := reducers.Reducer(cfg.reducerTag, nil)
	if err != nil {
		return fmt.Errorf("sortbench: resolve reducer: %w", err)
	}

	sink := &countingSink{cmp: cmp}

	stage, err := sortstage.New[int64](sink, sortstage.Options[int64]{
		Comparator:              cmp,
		Reducer:                 reduce,
		ObjectLimit:             cfg.objectLimit,
		ReduceInterval:          cfg.reduceInterval,
		FanIn:                   cfg.fanIn,
		MemoryLimitBytes:        cfg.memLimitBytes,
		MemoryThresholdFraction: 0.70,
		Compress:                cfg.compress,
		CompressMinBytes:        1 << 20,
		Logger:                  logger,
	})
	if err != nil {
		return fmt.Errorf("sortbench: construct stage: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()

	for i := 0; i < cfg.recordCount; i++ {
		if err := stage.Process(rng.Int63n(1 << 40)); err != nil {
			return fmt.Errorf("sortbench: process: %w", err)
		}
	}

	ingestElapsed := time.Since(start)
	stats := stage.Stats()
	logger.Info("ingest complete",
		"records", cfg.recordCount,
		"elapsed", ingestElapsed,
		"runs_spilled", stats.RunsSpilled,
		"compactions", stats.CompactionsPerformed,
		"files_open", stats.FilesOpen,
	)

	closeStart := time.Now()
	if err := stage.Close(); err != nil {
		return fmt.Errorf("sortbench: close: %w", err)
	}
	closeElapsed := time.Since(closeStart)

	finalStats := stage.Stats()
	if cfg.reducerTag == "none" && sink.count != int64(cfg.recordCount) {
		return fmt.Errorf("sortbench: emitted %d records, want %d", sink.count, cfg.recordCount)
	}

	logger.Info("benchmark complete",
		"total_elapsed", time.Since(start),
		"final_merge_elapsed", closeElapsed,
		"records_emitted", sink.count,
		"runs_spilled", finalStats.RunsSpilled,
		"compactions", finalStats.CompactionsPerformed,
		"bytes_spilled", finalStats.BytesSpilled,
		"pressure_events", finalStats.PressureEvents,
	)
	return nil
}
