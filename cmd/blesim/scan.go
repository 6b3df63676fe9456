package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/scanner"
)

type scanFlags struct {
	duration    time.Duration
	format      string
	services    []string
	allowList   []string
	blockList   []string
	noDuplicate bool
	watch       bool
	verbose     bool
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for simulated BLE devices",
		Long: `Scans for advertising peripherals of the scenario and displays their
names, identifiers, RSSI values, and advertised services.

Examples:
  blesim scan -S devices.yaml
  blesim scan -S devices.yaml --duration 2s --services 180d --format json
  blesim scan -S devices.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error { return runScan(cmd, f) },
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&f.allowList, "allow", nil, "Only show devices with these identifiers")
	cmd.Flags().StringSliceVar(&f.blockList, "block", nil, "Hide devices with these identifiers")
	cmd.Flags().BoolVar(&f.noDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Continuously scan and redraw results")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Verbose logging")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	if f.format != "table" && f.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", f.format)
	}
	services, err := device.ParseUUIDs(f.services...)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sim, err := openSimulation(cmd)
	if err != nil {
		return err
	}
	defer sim.Close()

	s, err := scanner.NewScanner(sim.adapter, sim.logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}
	defer s.Close()

	opts := &scanner.ScanOptions{
		Duration:        f.duration,
		DuplicateFilter: f.noDuplicate,
		ServiceUUIDs:    services,
		AllowList:       normalizeAddresses(f.allowList),
		BlockList:       normalizeAddresses(f.blockList),
	}

	out := cmd.OutOrStdout()
	if f.watch {
		return runWatchScan(cmd.Context(), s, opts, out, f.format)
	}

	ctx, cancel := signalContext(cmd.Context(), 0)
	defer cancel()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", f.duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil {
		return err
	}
	return displayDevices(out, devices, f.format)
}

// normalizeAddresses lowercases identifiers the way Device.Address prints them.
func normalizeAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(a)))
	}
	return out
}

// runWatchScan redraws the device table every second until interrupted or
// the scan duration elapses.
func runWatchScan(parent context.Context, s *scanner.Scanner, opts *scanner.ScanOptions, out io.Writer, format string) error {
	ctx, cancel := signalContext(parent, 0)
	defer cancel()

	s.Start(opts)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	redraw := func() error {
		fmt.Fprint(out, "\033[2J\033[H")
		return displayDevices(out, s.Devices(), format)
	}
	for {
		select {
		case <-ctx.Done():
			return displayDevices(out, s.Stop(), format)
		case <-s.Done():
			return redraw()
		case <-ticker.C:
			if err := redraw(); err != nil {
				return err
			}
		case <-s.Events():
			// the device map already holds the update
		}
	}
}

type deviceJSON struct {
	Address          string   `json:"address"`
	Name             string   `json:"name,omitempty"`
	RSSI             int      `json:"rssi"`
	Connectable      bool     `json:"connectable"`
	Services         []string `json:"services,omitempty"`
	ManufacturerData string   `json:"manufacturer_data,omitempty"`
	TxPowerLevel     *int     `json:"tx_power_level,omitempty"`
	Packets          int      `json:"packets"`
}

func sortedDevices(devices map[string]scanner.Device) []scanner.Device {
	list := make([]scanner.Device, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Address() < list[j].Address()
	})
	return list
}

func advertisedServices(d scanner.Device) []string {
	if d.Advertisement == nil {
		return nil
	}
	out := make([]string, 0, len(d.Advertisement.ServiceUUIDs))
	for _, u := range d.Advertisement.ServiceUUIDs {
		out = append(out, device.UUIDString(u))
	}
	return out
}

func displayDevices(w io.Writer, devices map[string]scanner.Device, format string) error {
	list := sortedDevices(devices)
	if format == "json" {
		out := make([]deviceJSON, 0, len(list))
		for _, d := range list {
			j := deviceJSON{
				Address:     d.Address(),
				Name:        d.Name,
				RSSI:        d.RSSI,
				Connectable: d.Connectable(),
				Services:    advertisedServices(d),
				Packets:     d.Packets,
			}
			if d.Advertisement != nil {
				j.ManufacturerData = hex.EncodeToString(d.Advertisement.ManufacturerData)
				j.TxPowerLevel = d.Advertisement.TxPowerLevel
			}
			out = append(out, j)
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, color.New(color.Bold).Sprint("NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN"))
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, d := range list {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(advertisedServices(d), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, d.Address(), d.RSSI, services, time.Since(d.LastSeen).Truncate(time.Second))
	}
	return tw.Flush()
}
