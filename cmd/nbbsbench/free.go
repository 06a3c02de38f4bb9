//go:build go1.22

package main

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/nbbs/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(
		newFreeCmd("free-rnd", true),
		newFreeCmd("free-seq", false),
	)
}

func newFreeCmd(name string, random bool) *cobra.Command {
	short := "Release min-size blocks in the reverse order they were allocated"
	if random {
		short = "Release blocks of random order in no particular order"
	}

	return &cobra.Command{
		Use:   name,
		Short: short,
		Long: short + `.

Each round, every worker allocates a batch of 1000 blocks untimed, waits for
the other workers to finish allocating, and then releases its batch. Only the
releases are recorded.

Example:
  nbbsbench ` + name + ` --threads 8 --iterations 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFree(cmd.Context(), name, random)
		},
	}
}

func runFree(ctx context.Context, name string, random bool) (err error) {
	env, err := setup(name)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, env.Close())
	}()

	result := newBenchResult(name, threads)

	env.logger.Info("start", slog.Int("threads", threads), slog.Int("iterations", iterations))
	for iter := 0; iter < iterations && ctx.Err() == nil; iter++ {
		env.logger.Debug("iteration", slog.Int("iter", iter), slog.Int("of", iterations))

		var ready sync.WaitGroup
		ready.Add(threads)

		errGroup, _ := errgroup.WithContext(ctx)
		for _, log := range result.threads {
			errGroup.Go(func() error {
				return freeRunner(env, log, &ready, random)
			})
		}
		if err := errGroup.Wait(); err != nil {
			return err
		}
	}
	env.logger.Info("done")

	return result.report(env)
}

func freeRunner(env *benchEnv, log *threadLog, ready *sync.WaitGroup, random bool) error {
	rng := newRand(log.id)

	// Random-order rounds free in hash order, sequential rounds free last-in first-out
	var stack []uintptr
	set := swiss.NewMap[uintptr, struct{}](batchSize)

	allocErr := func() error {
		for i := 0; i < batchSize; i++ {
			order := 0
			if random {
				order = env.randomOrder(rng)
			}

			address, _, err := env.alloc(env.allocator.BlockSize(order))
			if errors.Is(err, memutils.ErrOutOfMemory) {
				env.logger.Debug("arena exhausted while preparing", slog.Int("thread", log.id), slog.Int("allocated", i))
				return nil
			}
			if err != nil {
				return err
			}

			if random {
				set.Put(address, struct{}{})
			} else {
				stack = append(stack, address)
			}
		}
		return nil
	}()

	ready.Done()
	ready.Wait()

	if allocErr != nil {
		return allocErr
	}

	release := func(address uintptr) {
		latency := env.free(address)
		log.record("free", latency, env.usage(), false)
	}

	if random {
		set.Iter(func(address uintptr, _ struct{}) bool {
			release(address)
			return false
		})
		return nil
	}

	for i := len(stack) - 1; i >= 0; i-- {
		release(stack[i])
	}
	return nil
}
