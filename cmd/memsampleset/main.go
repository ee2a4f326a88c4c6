// Command memsampleset samples the memory accesses of a dynamic set of
// processes, adding and removing PIDs on each tick and reporting exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mfpss95134/memsample"
	"github.com/mfpss95134/memsample/internal/procwatch"
)

func main() {
	var (
		classes  []string
		period   uint64
		interval time.Duration
		debug    bool
	)

	root := &cobra.Command{
		Use:   "memsampleset PID|PID..PID [PID|PID..PID...]",
		Short: "Sample memory accesses across a dynamic set of processes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, classes, period, interval, debug)
		},
	}

	root.Flags().StringSliceVar(&classes, "class", []string{"load", "store"}, "event classes to sample")
	root.Flags().Uint64Var(&period, "period", 10007, "sample every N retired events")
	root.Flags().DurationVar(&interval, "interval", time.Second, "membership refresh / poll interval")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, classNames []string, period uint64, interval time.Duration, debug bool) error {
	classes, err := parseClasses(classNames)
	if err != nil {
		return err
	}

	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	cs := memsample.NewChannelSet(log)
	if err := cs.Init(classes); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer cs.Deinit()

	if err := cs.SetPeriod(period); err != nil {
		return fmt.Errorf("set period: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	onSample := func(s *memsample.Sample) {
		fmt.Printf("class=%s cpu=%d pid=%d tid=%d addr=0x%016x\n", s.EventClass, s.CPU, s.PID, s.TID, s.Address)
	}
	onExit := func(pid uint32) {
		log.Info("process exited, dropped from set", zap.Uint32("pid", pid))
	}

	for {
		pids, err := procwatch.ParsePIDs(args)
		if err != nil {
			return err
		}
		live := make([]uint32, 0, len(pids))
		for _, p := range pids {
			if procwatch.Alive(p) {
				live = append(live, p)
			}
		}
		if err := cs.Update(procwatch.ToSet(live)); err != nil {
			log.Warn("update membership failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := cs.PollSamples(int(interval.Milliseconds()), onSample, onExit)
		if err != nil {
			return fmt.Errorf("poll samples: %w", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

func parseClasses(names []string) ([]memsample.EventClass, error) {
	out := make([]memsample.EventClass, 0, len(names))
	for _, n := range names {
		switch n {
		case "load":
			out = append(out, memsample.Load)
		case "store":
			out = append(out, memsample.Store)
		default:
			return nil, fmt.Errorf("unknown --class %q: want load or store", n)
		}
	}
	return out, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
