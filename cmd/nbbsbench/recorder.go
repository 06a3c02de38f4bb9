//go:build go1.22

package main

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pterm/pterm"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

type sample struct {
	op      string
	latency time.Duration
	usage   float64
	failed  bool
}

// threadLog collects the samples of one worker; only that worker writes to it
type threadLog struct {
	id      int
	samples []sample
}

func (l *threadLog) record(op string, latency time.Duration, usage float64, failed bool) {
	l.samples = append(l.samples, sample{op: op, latency: latency, usage: usage, failed: failed})
}

type benchResult struct {
	name    string
	start   time.Time
	elapsed time.Duration
	threads []*threadLog
}

func newBenchResult(name string, threadCount int) *benchResult {
	result := &benchResult{
		name:    name,
		start:   time.Now(),
		threads: make([]*threadLog, threadCount),
	}
	for i := range result.threads {
		result.threads[i] = &threadLog{id: i}
	}
	return result
}

func (r *benchResult) finish() {
	r.elapsed = time.Since(r.start)
}

func (r *benchResult) writeJSON(path string) error {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Benchmark").String(r.name)
	obj.Name("Threads").Int(len(r.threads))
	obj.Name("ArenaSize").Int(arenaSize)
	obj.Name("MinBlockSize").Int(minBlockSize)
	obj.Name("MaxOrder").Int(maxOrder)
	obj.Name("ElapsedNs").Float64(float64(r.elapsed.Nanoseconds()))

	threadArray := obj.Name("Samples").Array()
	for _, thread := range r.threads {
		threadObj := threadArray.Object()
		threadObj.Name("Thread").Int(thread.id)

		ops := threadObj.Name("Ops").Array()
		for _, s := range thread.samples {
			op := ops.Object()
			op.Name("Op").String(s.op)
			op.Name("LatencyNs").Float64(float64(s.latency.Nanoseconds()))
			op.Name("Usage").Float64(s.usage)
			op.Name("Failed").Bool(s.failed)
			op.End()
		}
		ops.End()

		threadObj.End()
	}
	threadArray.End()

	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "encode results")
	}

	return errors.Wrapf(os.WriteFile(path, writer.Bytes(), 0o644), "write %s", path)
}

type opSummary struct {
	count  int
	failed int
	total  time.Duration
	p50    time.Duration
	p99    time.Duration
	max    time.Duration
}

func summarize(samples []sample, op string) (opSummary, bool) {
	var summary opSummary
	var latencies []time.Duration

	for _, s := range samples {
		if s.op != op {
			continue
		}
		summary.count++
		if s.failed {
			summary.failed++
			continue
		}
		summary.total += s.latency
		latencies = append(latencies, s.latency)
	}

	if summary.count == 0 {
		return summary, false
	}
	if len(latencies) == 0 {
		return summary, true
	}

	slices.Sort(latencies)
	summary.p50 = latencies[len(latencies)/2]
	summary.p99 = latencies[len(latencies)*99/100]
	summary.max = latencies[len(latencies)-1]

	return summary, true
}

func (s opSummary) mean() time.Duration {
	succeeded := s.count - s.failed
	if succeeded == 0 {
		return 0
	}
	return s.total / time.Duration(succeeded)
}

func (r *benchResult) tableData() pterm.TableData {
	td := pterm.TableData{
		{"Thread", "Op", "Count", "Failed", "Mean", "P50", "P99", "Max", "Final usage"},
	}

	for _, thread := range r.threads {
		finalUsage := "-"
		if len(thread.samples) > 0 {
			finalUsage = strconv.FormatFloat(thread.samples[len(thread.samples)-1].usage, 'f', 2, 64) + "%"
		}

		for _, op := range []string{"alloc", "free"} {
			summary, ok := summarize(thread.samples, op)
			if !ok {
				continue
			}

			td = append(td, []string{
				strconv.Itoa(thread.id),
				op,
				strconv.Itoa(summary.count),
				strconv.Itoa(summary.failed),
				summary.mean().String(),
				summary.p50.String(),
				summary.p99.String(),
				summary.max.String(),
				finalUsage,
			})
		}
	}

	return td
}

func (r *benchResult) printSummary() error {
	pterm.Println("")
	pterm.NewStyle(pterm.FgMagenta, pterm.Bold).Printfln("%s: %d thread(s), %s", r.name, len(r.threads), r.elapsed.Round(time.Millisecond))
	pterm.Println("")

	return pterm.DefaultTable.WithHasHeader().WithData(r.tableData()).Render()
}

func (r *benchResult) report(env *benchEnv) error {
	r.finish()

	env.logger.Info("Writing results", slog.String("output", output))
	if err := r.writeJSON(output); err != nil {
		return err
	}

	return r.printSummary()
}
