package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleuart/internal/bledb"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/groutine"
	"github.com/srg/bleuart/scanner"
	"github.com/srg/bleuart/tester"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy peripherals and list them.

The list is numbered; the numbers can be passed to "connect" in the
interactive session. Filters narrow down what is listed.

Example:
  bleuart scan
  bleuart scan --duration 5s --name Nordic
  bleuart scan --services 6E400001-B5A3-F393-E0A9-E50E24DCCA9E --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanName      string
	scanWatch     bool
)

var (
	nameColor    = color.New(color.FgCyan, color.Bold).SprintFunc()
	addressColor = color.New(color.FgHiBlack).SprintFunc()
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from the config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().StringVar(&scanName, "name", "", "Only show devices whose name starts with this prefix")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print devices as they are discovered")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	rt, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts, err := buildScanOptions(rt.cfg.ScanTimeout)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx, cancel := signalContext(cmd.Context(), out, "Ctrl+C pressed, cancelling scan...")
	defer cancel()

	refs, err := scanWithProgress(ctx, rt.tester, opts, out, scanWatch)
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return writeDevicesJSON(out, refs)
	}
	return writeDeviceTable(out, refs)
}

func buildScanOptions(defaultDuration time.Duration) (*scanner.ScanOptions, error) {
	opts := &scanner.ScanOptions{
		Duration:   defaultDuration,
		AllowList:  scanAllowList,
		BlockList:  scanBlockList,
		NamePrefix: scanName,
	}
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	if len(scanServices) > 0 {
		uuids, err := device.ValidateUUID(scanServices...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUIDs = uuids
	}
	return opts, nil
}

// scanWithProgress runs one scan. Cancelling ctx ends the scan early and the
// devices found so far are returned.
func scanWithProgress(ctx context.Context, t *tester.Tester, opts *scanner.ScanOptions, out io.Writer, watch bool) ([]device.PeripheralRef, error) {
	var progress scanner.ProgressCallback
	if watch {
		stop := watchDiscoveries(ctx, t, out)
		defer stop()
	} else {
		p := NewCountdownProgressPrinter(out, "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
		p.Start()
		defer p.Stop()
		progress = p.Callback()
	}

	refs, err := t.Scan(ctx, opts, progress)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return refs, nil
}

// watchDiscoveries prints new devices while a scan runs. The returned
// function stops printing.
func watchDiscoveries(ctx context.Context, t *tester.Tester, out io.Writer) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	groutine.Go(ctx, "scan-watch", func(ctx context.Context) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-t.Events():
				if ev.Type != scanner.EventNew {
					continue
				}
				fmt.Fprintf(out, "+ %s %s %d dBm\n", nameColor(ev.Peripheral.DisplayName()), addressColor(ev.Peripheral.Address), ev.Peripheral.RSSI)
			}
		}
	})
	return func() {
		cancel()
		<-done
	}
}

func writeDeviceTable(out io.Writer, refs []device.PeripheralRef) error {
	if len(refs) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tADDRESS\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for i, ref := range refs {
		name := ref.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		labels := make([]string, len(ref.Services))
		for j, uuid := range ref.Services {
			labels[j] = bledb.ServiceLabel(uuid)
		}
		services := strings.Join(labels, ",")
		if len(services) > 40 {
			services = services[:37] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d dBm\t%s\n", i, nameColor(name), ref.Address, ref.RSSI, services)
	}
	return w.Flush()
}

type deviceJSON struct {
	Index       int      `json:"index"`
	Name        string   `json:"name,omitempty"`
	Address     string   `json:"address"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	Services    []string `json:"services,omitempty"`
}

func writeDevicesJSON(out io.Writer, refs []device.PeripheralRef) error {
	list := make([]deviceJSON, len(refs))
	for i, ref := range refs {
		list[i] = deviceJSON{
			Index:       i,
			Name:        ref.Name,
			Address:     ref.Address,
			RSSI:        ref.RSSI,
			Connectable: ref.Connectable,
			Services:    ref.Services,
		}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
