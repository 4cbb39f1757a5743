package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/attys/internal/simulator"
	"github.com/srg/attys/pkg/daq"
)

type simulateOptions struct {
	class      string
	speed      float64
	sampleRate float64
	dropEvery  int
	start      string
	stop       string
	duration   time.Duration
}

func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated device on a pseudo-terminal",
		Long: `Create a pseudo-terminal and emulate a device behind it. The slave path
is printed on stdout; point 'attys stream <path>' or a static device
entry at it.

The attys class answers register commands with OK and streams base64
lines after x=1. The binary class streams frames of the default layout,
optionally gated by start and stop commands (Go escapes, e.g. "b\r").`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.class, "class", "attys", "Device class (attys, binary)")
	cmd.Flags().Float64Var(&opts.speed, "speed", 1, "Time multiplier for the sample clock")
	cmd.Flags().Float64Var(&opts.sampleRate, "sample-rate", 250, "Sample rate of the binary class")
	cmd.Flags().IntVar(&opts.dropEvery, "drop-every", 0, "Drop every n-th packet (0 disables)")
	cmd.Flags().StringVar(&opts.start, "start", "", "Start command of the binary class")
	cmd.Flags().StringVar(&opts.stop, "stop", "", "Stop command of the binary class")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Exit after this long (0 runs until Ctrl+C)")
	return cmd
}

func runSimulate(cmd *cobra.Command, opts *simulateOptions) error {
	start, err := daq.UnescapeCommand(opts.start)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	stop, err := daq.UnescapeCommand(opts.stop)
	if err != nil {
		return fmt.Errorf("invalid --stop: %w", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	dev, err := simulator.New(simulator.Options{
		Class:      opts.class,
		Speed:      opts.speed,
		SampleRate: opts.sampleRate,
		Start:      start,
		Stop:       stop,
		DropEvery:  opts.dropEvery,
	}, logger)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	p, err := simulator.OpenPTY()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		var stopTimer context.CancelFunc
		ctx, stopTimer = context.WithTimeout(ctx, opts.duration)
		defer stopTimer()
	}

	fmt.Fprintln(cmd.OutOrStdout(), p.Path())
	if err := dev.Serve(ctx, p); err != nil {
		return err
	}

	st := dev.Stats()
	logger.WithField("packets", st.Packets).WithField("commands", st.Commands).Info("Simulated device stopped")
	return nil
}
