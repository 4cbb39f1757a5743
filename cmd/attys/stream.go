package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/attys/internal/link"
	"github.com/srg/attys/internal/sample"
	"github.com/srg/attys/pkg/daq"
)

type streamOptions struct {
	transport    string
	index        int
	format       string
	count        int
	duration     time.Duration
	wait         bool
	pollInterval time.Duration
	stats        bool
}

func newStreamCmd() *cobra.Command {
	opts := &streamOptions{}
	cmd := &cobra.Command{
		Use:   "stream [address]",
		Short: "Configure a device and stream its samples",
		Long: `Connect to a device, send its configuration and print every sample.

Without an address the configured discovery sources are scanned and the
device at --index is used. Samples are printed as JSON lines or CSV with
a header row. Stops after --count samples, after --duration, or on Ctrl+C.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.transport, "transport", "t", "serial", "Transport for an explicit address (serial, rfcomm, ble)")
	cmd.Flags().IntVarP(&opts.index, "index", "i", 0, "Scan result to use when no address is given")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "json", "Output format (json, csv)")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 0, "Stop after this many samples (0 for unlimited)")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 for unlimited)")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "Block for samples instead of polling")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 10*time.Millisecond, "Polling interval when --wait=false")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "Print connection statistics to stderr at the end")
	return cmd
}

func runStream(cmd *cobra.Command, opts *streamOptions, args []string) error {
	if err := validateFormat(opts.format, "json", "csv"); err != nil {
		return err
	}
	if opts.pollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)
	cmd.SilenceUsage = true

	eng, err := daq.New(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	h, err := resolveHandle(ctx, eng, opts, args)
	if err != nil {
		return err
	}
	conn, err := eng.Connect(ctx, h)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.StartContext(ctx); err != nil {
		return err
	}

	out := newSampleWriter(cmd.OutOrStdout(), opts.format, conn.Channels())
	for n := 0; opts.count == 0 || n < opts.count; n++ {
		s, err := nextSample(ctx, conn, opts)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		if err := out.Write(s); err != nil {
			return err
		}
	}
	if err := out.Flush(); err != nil {
		return err
	}

	if opts.stats {
		enc := json.NewEncoder(cmd.ErrOrStderr())
		enc.SetIndent("", "  ")
		return enc.Encode(conn.Stats())
	}
	return nil
}

func resolveHandle(ctx context.Context, eng *daq.Engine, opts *streamOptions, args []string) (daq.Handle, error) {
	if len(args) == 1 {
		kind, err := link.ParseKind(opts.transport)
		if err != nil {
			return daq.Handle{}, err
		}
		return daq.Handle{Address: args[0], Transport: kind}, nil
	}
	if _, err := eng.Scan(ctx, 0); err != nil {
		return daq.Handle{}, err
	}
	if _, err := eng.Scanner().First(); err != nil {
		return daq.Handle{}, err
	}
	return eng.Handle(opts.index)
}

func nextSample(ctx context.Context, conn *daq.Connection, opts *streamOptions) (sample.Sample, error) {
	if opts.wait {
		return conn.WaitForSample(ctx)
	}
	for {
		s, err := conn.GetSampleFromBuffer()
		if err == nil || !errors.Is(err, daq.ErrEmpty) || conn.Err() != nil {
			return s, err
		}
		select {
		case <-ctx.Done():
			return sample.Sample{}, ctx.Err()
		case <-time.After(opts.pollInterval):
		}
	}
}

// sampleWriter prints samples in one output format.
type sampleWriter interface {
	Write(s sample.Sample) error
	Flush() error
}

func newSampleWriter(w io.Writer, format string, channels []sample.Channel) sampleWriter {
	if format == "csv" {
		return &csvWriter{w: csv.NewWriter(w), channels: channels}
	}
	return &jsonWriter{enc: json.NewEncoder(w)}
}

type jsonWriter struct {
	enc *json.Encoder
}

func (j *jsonWriter) Write(s sample.Sample) error { return j.enc.Encode(s) }
func (j *jsonWriter) Flush() error                { return nil }

type csvWriter struct {
	w        *csv.Writer
	channels []sample.Channel
	header   bool
}

func (c *csvWriter) Write(s sample.Sample) error {
	if !c.header {
		row := []string{"seq", "timestamp"}
		for _, ch := range c.channels {
			row = append(row, ch.Name)
		}
		if err := c.w.Write(row); err != nil {
			return err
		}
		c.header = true
	}

	row := make([]string, 0, 2+s.NumChannels())
	row = append(row, strconv.FormatUint(s.Seq(), 10), strconv.FormatFloat(s.Timestamp().Seconds(), 'f', 6, 64))
	for _, v := range s.Values() {
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}
