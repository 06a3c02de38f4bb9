//go:build go1.22

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/nbbs/memutils"
	"github.com/vkngwrapper/nbbs/nbbs"
	"golang.org/x/exp/slog"
)

const (
	// batchSize is the number of operations a worker performs between pauses
	batchSize = 1000

	stressUpper = 95.0
	stressLower = 5.0
)

var (
	// Global flags
	threads      int
	duration     time.Duration
	iterations   int
	arenaSize    int
	minBlockSize int
	maxOrder     int
	period       time.Duration
	output       string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "nbbsbench",
	Short: "Benchmark the non-blocking buddy allocator",
	Long: `nbbsbench runs allocation, release and stress workloads against an nbbs
allocator over a freshly mapped arena, records the latency of every operation
and the arena usage at the time, and writes the samples to a JSON file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&threads, "threads", "t", 4, "Number of worker goroutines; 1 runs single-threaded")
	rootCmd.PersistentFlags().DurationVarP(&duration, "duration", "d", 30*time.Second, "How long time-bound benchmarks run")
	rootCmd.PersistentFlags().IntVar(&iterations, "iterations", 10, "Number of rounds for release benchmarks")
	rootCmd.PersistentFlags().IntVar(&arenaSize, "arena-size", 4*1024*1024*1024, "Arena size in bytes")
	rootCmd.PersistentFlags().IntVar(&minBlockSize, "min-block-size", nbbs.DefaultMinBlockSize, "Smallest block size in bytes")
	rootCmd.PersistentFlags().IntVar(&maxOrder, "max-order", nbbs.DefaultMaxOrder, "Largest block order")
	rootCmd.PersistentFlags().DurationVar(&period, "period", 100*time.Millisecond, "Pause between batches")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "results.json", "File the samples are written to")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// benchEnv is an allocator over its own arena, plus the byte count of every block the workers
// currently hold
type benchEnv struct {
	logger    *slog.Logger
	arena     *nbbs.Arena
	allocator *nbbs.Allocator
	used      atomic.Int64
}

func setup(name string) (*benchEnv, error) {
	if threads < 1 {
		return nil, errors.Newf("--threads must be at least 1, got %d", threads)
	}

	logger := newLogger().With(slog.String("benchmark", name))

	// The mapping covers whole OS pages either way
	size := memutils.AlignUp(arenaSize, uint(os.Getpagesize()))

	logger.Info("Initialize arena", slog.Int("size", size))
	arena, err := nbbs.NewArena(size)
	if err != nil {
		return nil, errors.Wrap(err, "initialize arena")
	}

	logger.Info("Initialize allocator")
	allocator, err := nbbs.NewFromArena(logger, arena, nbbs.CreateOptions{
		MinBlockSize: minBlockSize,
		MaxOrder:     maxOrder,
	})
	if err != nil {
		_ = arena.Close()
		return nil, errors.Wrap(err, "initialize allocator")
	}

	return &benchEnv{
		logger:    logger,
		arena:     arena,
		allocator: allocator,
	}, nil
}

// usage returns the share of the arena held by workers, in percent
func (e *benchEnv) usage() float64 {
	return float64(e.used.Load()) / float64(e.allocator.TotalMemory()) * 100
}

// alloc hands out a block and returns how long the allocator took
func (e *benchEnv) alloc(size int) (uintptr, time.Duration, error) {
	start := time.Now()
	address, err := e.allocator.Alloc(size)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}

	e.used.Add(int64(e.allocator.AllocationSize(address)))
	return address, latency, nil
}

// free releases a block and returns how long the allocator took
func (e *benchEnv) free(address uintptr) time.Duration {
	e.used.Add(-int64(e.allocator.AllocationSize(address)))

	start := time.Now()
	e.allocator.Free(address)
	return time.Since(start)
}

// randomOrder picks a block order uniformly from every order the allocator supports
func (e *benchEnv) randomOrder(rng *rand.Rand) int {
	return rng.IntN(e.allocator.MaxOrder() + 1)
}

func (e *benchEnv) Close() error {
	if used := e.allocator.UsedMemory(); used != int(e.used.Load()) {
		e.logger.Error("allocator usage does not match the blocks handed out",
			slog.Int("allocator", used),
			slog.Int64("workers", e.used.Load()))
	}

	e.logger.Debug("allocator state", slog.String("stats", e.allocator.BuildStatsString(false)))

	if err := e.allocator.Validate(); err != nil {
		return err
	}
	if err := e.allocator.Destroy(); err != nil {
		return err
	}
	return e.arena.Close()
}

func newRand(thread int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(thread)))
}

// pause waits for the batch period, returning false if ctx ended first
func pause(ctx context.Context) bool {
	timer := time.NewTimer(period)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
