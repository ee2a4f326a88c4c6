// Command memsample samples the load or store memory accesses of a single
// running process and prints each sample as it arrives.
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
)

func main() {
	var (
		class  string
		period uint64
		pid    int
		debug  bool
	)

	root := &cobra.Command{
		Use:   "memsample --pid PID",
		Short: "Sample memory-access instructions retired by a single process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), pid, class, period, debug)
		},
	}

	root.Flags().IntVar(&pid, "pid", 0, "target process id (required)")
	root.Flags().StringVar(&class, "class", "load", "event class to sample: load or store")
	root.Flags().Uint64Var(&period, "period", 10007, "sample every N retired events")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = root.MarkFlagRequired("pid")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, pid int, className string, period uint64, debug bool) error {
	var eventClass memsample.EventClass
	switch className {
	case "load":
		eventClass = memsample.Load
	case "store":
		eventClass = memsample.Store
	default:
		return fmt.Errorf("unknown --class %q: want load or store", className)
	}

	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	ch := memsample.NewChannel(log)
	if err := ch.Bind(uint32(pid), eventClass); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer ch.Unbind()

	if err := ch.SetPeriod(period); err != nil {
		return fmt.Errorf("set period: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sampling started", zap.Int("pid", pid), zap.String("class", className), zap.Uint64("period", period))

	var sample memsample.Sample
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := ch.ReadSample(&sample)
		switch {
		case err == nil:
			fmt.Printf("cpu=%d pid=%d tid=%d addr=0x%016x\n", sample.CPU, sample.PID, sample.TID, sample.Address)
		case err == memsample.ErrWouldBlock:
			time.Sleep(10 * time.Millisecond)
		default:
			return fmt.Errorf("read sample: %w", err)
		}
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
