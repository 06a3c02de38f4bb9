//go:build go1.22

package main

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/nbbs/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Swing arena usage between 5% and 95% for the whole duration",
		Long: `The stress command keeps every worker allocating blocks of random order
until the arena is 95% used, then releasing them until it is below 5%, and
so on until the duration ends. A monitor checks the usage once per period and
switches the shared target for all workers. Each operation is followed by a
pause.

Example:
  nbbsbench stress --threads 16 --duration 1m --period 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context())
		},
	}
	rootCmd.AddCommand(cmd)
}

// stressTarget is the usage all stress workers steer towards
type stressTarget struct {
	draining atomic.Bool
}

func (s *stressTarget) value() float64 {
	if s.draining.Load() {
		return stressLower
	}
	return stressUpper
}

// update switches the target once usage crosses either bound
func (s *stressTarget) update(usage float64) {
	if usage >= stressUpper {
		s.draining.Store(true)
	} else if usage < stressLower {
		s.draining.Store(false)
	}
}

func runStress(ctx context.Context) (err error) {
	env, err := setup("stress")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, env.Close())
	}()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	result := newBenchResult("stress", threads)
	var target stressTarget

	env.logger.Info("start", slog.Int("threads", threads), slog.Duration("duration", duration))
	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		for {
			target.update(env.usage())
			if !pause(ctx) {
				return nil
			}
		}
	})
	for _, log := range result.threads {
		errGroup.Go(func() error {
			return stressRunner(ctx, env, log, &target)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}
	env.logger.Info("done")

	return result.report(env)
}

func stressRunner(ctx context.Context, env *benchEnv, log *threadLog, target *stressTarget) error {
	rng := newRand(log.id)

	var live []uintptr
	defer func() {
		for _, address := range live {
			env.free(address)
		}
	}()

	for ctx.Err() == nil {
		usage := env.usage()

		if usage < target.value() {
			address, latency, err := env.alloc(env.allocator.BlockSize(env.randomOrder(rng)))
			log.record("alloc", latency, usage, err != nil)

			switch {
			case err == nil:
				live = append(live, address)
			case errors.Is(err, memutils.ErrOutOfMemory):
				// Too fragmented to reach the upper bound
				target.draining.Store(true)
			default:
				return err
			}
		} else if len(live) > 0 {
			address := live[len(live)-1]
			live = live[:len(live)-1]

			latency := env.free(address)
			log.record("free", latency, usage, false)
		}

		if !pause(ctx) {
			break
		}
	}

	return nil
}
