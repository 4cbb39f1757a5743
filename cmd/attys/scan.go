package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/attys/pkg/daq"
)

type scanOptions struct {
	duration time.Duration
	format   string
	ble      bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover acquisition devices",
		Long: `Scan the enabled discovery sources (static devices, serial ports, BLE)
and list the devices found, in discovery order. The index column is what
'attys stream --index' expects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (0 uses scan_timeout from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&opts.ble, "ble", false, "Also scan for BLE devices")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if err := validateFormat(opts.format, "table", "json"); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.ble {
		cfg.Discovery.BLE = true
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	eng, err := daq.New(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := opts.duration
	if timeout <= 0 {
		timeout = cfg.ScanTimeout
	}
	if isTerminal(cmd.ErrOrStderr()) {
		progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for devices", timeout)
		progress.Start()
		defer progress.Stop()
	}

	handles, err := eng.Scan(ctx, timeout)
	if err != nil && ctx.Err() == nil {
		return err
	}

	if opts.format == "json" {
		return displayHandlesJSON(cmd.OutOrStdout(), handles)
	}
	return displayHandlesTable(cmd.OutOrStdout(), handles)
}

func validateFormat(format string, valid ...string) error {
	for _, v := range valid {
		if format == v {
			return nil
		}
	}
	return fmt.Errorf("invalid format '%s': must be one of %v", format, valid)
}

func displayHandlesTable(out io.Writer, handles []daq.Handle) error {
	if len(handles) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	// Columns are aligned before the header is coloured so escape codes do
	// not count towards cell widths.
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tADDRESS\tTRANSPORT\tRSSI\tSOURCE")
	for i, h := range handles {
		name := h.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		rssi := "-"
		if h.RSSI != 0 {
			rssi = fmt.Sprintf("%d dBm", h.RSSI)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i, name, h.Address, h.Transport, rssi, h.Source)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	header, rows, _ := strings.Cut(buf.String(), "\n")
	if _, err := color.New(color.Bold).Fprintln(out, header); err != nil {
		return err
	}
	_, err := io.WriteString(out, rows)
	return err
}

func displayHandlesJSON(out io.Writer, handles []daq.Handle) error {
	if handles == nil {
		handles = []daq.Handle{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(handles)
}
