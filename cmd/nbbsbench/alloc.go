//go:build go1.22

package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/nbbs/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(
		newAllocCmd("alloc-rnd", true),
		newAllocCmd("alloc-seq", false),
	)
}

func newAllocCmd(name string, random bool) *cobra.Command {
	short := "Allocate min-size blocks until the arena runs out or the duration ends"
	if random {
		short = "Allocate blocks of random order until the arena runs out or the duration ends"
	}

	return &cobra.Command{
		Use:   name,
		Short: short,
		Long: short + `.

Every worker allocates in batches of 1000 with a pause between batches and
frees nothing until the run ends. The latency of each allocation is recorded along with the share
of the arena in use right after it.

Example:
  nbbsbench ` + name + ` --threads 8 --duration 10s --output ` + name + `.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc(cmd.Context(), name, random)
		},
	}
}

func runAlloc(ctx context.Context, name string, random bool) (err error) {
	env, err := setup(name)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, env.Close())
	}()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	result := newBenchResult(name, threads)

	env.logger.Info("start", slog.Int("threads", threads), slog.Duration("duration", duration))
	errGroup, ctx := errgroup.WithContext(ctx)
	for _, log := range result.threads {
		errGroup.Go(func() error {
			return allocRunner(ctx, env, log, random)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}
	env.logger.Info("done")

	return result.report(env)
}

func allocRunner(ctx context.Context, env *benchEnv, log *threadLog, random bool) error {
	rng := newRand(log.id)

	// Blocks are handed back untimed once the run is over
	var live []uintptr
	defer func() {
		for _, address := range live {
			env.free(address)
		}
	}()

	for {
		for i := 0; i < batchSize; i++ {
			order := 0
			if random {
				order = env.randomOrder(rng)
			}

			address, latency, err := env.alloc(env.allocator.BlockSize(order))
			log.record("alloc", latency, env.usage(), err != nil)

			if errors.Is(err, memutils.ErrOutOfMemory) {
				env.logger.Debug("arena exhausted", slog.Int("thread", log.id))
				return nil
			}
			if err != nil {
				return err
			}
			live = append(live, address)
		}

		if !pause(ctx) {
			return nil
		}
	}
}

