package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/bledb"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
)

const exampleDeviceAddress = "01234567-89ab-cdef-0123-456789abcdef"

const deviceAddressNote = `Device address: the peripheral identifier from the scenario, a UUID with or
without dashes. Use 'blesim scan' to list them.`

type inspectFlags struct {
	connectTimeout time.Duration
	readLimit      int
	json           bool
	verbose        bool
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Inspect services, characteristics, and descriptors of a BLE device",
		Long: fmt.Sprintf(`Connects to a simulated peripheral and discovers its services,
characteristics, and descriptors. Readable values are read when possible.

Examples:
  blesim inspect -S devices.yaml %s
  blesim inspect -S devices.yaml %s --json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return runInspect(cmd, args[0], f) },
	}

	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().IntVar(&f.readLimit, "read-limit", 64, "Max bytes shown per value (0 to skip reads)")
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Verbose logging")
	return cmd
}

// sessionFunc runs against a connected, fully discovered peripheral.
type sessionFunc func(ctx context.Context, session *inspector.Session, logger *logrus.Logger) error

// withSession opens the simulation, connects to address and runs fn. The
// progress line uses description and ends at the "Processing results" phase.
func withSession(cmd *cobra.Command, address string, connectTimeout time.Duration, description string, fn sessionFunc) error {
	id, err := uuid.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid device address %q: %w", address, err)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sim, err := openSimulation(cmd)
	if err != nil {
		return err
	}
	defer sim.Close()

	in := inspector.New(sim.adapter, sim.logger)
	defer in.Close()

	ctx, cancel := signalContext(cmd.Context(), 0)
	defer cancel()

	if err := in.WaitPoweredOn(ctx); err != nil {
		return err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), description, "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, in, id, &inspector.InspectOptions{ConnectTimeout: connectTimeout}, progress.Callback(),
		func(session *inspector.Session) (struct{}, error) {
			progress.Stop()
			return struct{}{}, fn(ctx, session, sim.logger)
		})
	return err
}

func runInspect(cmd *cobra.Command, address string, f *inspectFlags) error {
	return withSession(cmd, address, f.connectTimeout, fmt.Sprintf("Inspecting device %s", address),
		func(ctx context.Context, session *inspector.Session, _ *logrus.Logger) error {
			report := buildReport(ctx, session, f.readLimit)
			if f.json {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		})
}

type descriptorReport struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Value   string `json:"value,omitempty"`
	Decoded any    `json:"decoded,omitempty"`
	Error   string `json:"error,omitempty"`
}

type characteristicReport struct {
	UUID        string             `json:"uuid"`
	Name        string             `json:"name,omitempty"`
	Properties  []string           `json:"properties"`
	Value       string             `json:"value,omitempty"`
	Error       string             `json:"error,omitempty"`
	Descriptors []descriptorReport `json:"descriptors,omitempty"`
}

type serviceReport struct {
	UUID            string                 `json:"uuid"`
	Name            string                 `json:"name,omitempty"`
	Primary         bool                   `json:"primary"`
	Includes        []string               `json:"includes,omitempty"`
	Characteristics []characteristicReport `json:"characteristics"`
}

type deviceReport struct {
	Address  string          `json:"address"`
	Name     string          `json:"name,omitempty"`
	RSSI     *int            `json:"rssi,omitempty"`
	MTU      int             `json:"mtu"`
	Services []serviceReport `json:"services"`
}

// buildReport walks the discovered tree. Read failures are recorded per
// attribute rather than aborting the walk.
func buildReport(ctx context.Context, session *inspector.Session, readLimit int) deviceReport {
	report := deviceReport{
		Address:  session.ID().String(),
		Name:     session.Name(),
		MTU:      session.MTU(),
		Services: []serviceReport{},
	}
	if rssi, err := session.ReadRSSI(ctx); err == nil {
		report.RSSI = &rssi
	}

	for _, svc := range session.Services() {
		sr := serviceReport{
			UUID:            device.UUIDString(svc.UUID()),
			Name:            bledb.LookupService(svc.UUID().String()),
			Primary:         svc.IsPrimary(),
			Characteristics: []characteristicReport{},
		}
		for _, inc := range svc.IncludedServices() {
			sr.Includes = append(sr.Includes, device.UUIDString(inc.UUID()))
		}
		for _, c := range svc.Characteristics() {
			sr.Characteristics = append(sr.Characteristics, characteristicOf(ctx, session, c, readLimit))
		}
		report.Services = append(report.Services, sr)
	}
	return report
}

func characteristicOf(ctx context.Context, session *inspector.Session, c *gatt.Characteristic, readLimit int) characteristicReport {
	cr := characteristicReport{
		UUID:       device.UUIDString(c.UUID()),
		Name:       bledb.LookupCharacteristic(c.UUID().String()),
		Properties: gatt.PropertyNames(c.Properties()),
	}
	if readLimit > 0 && c.Properties()&ble.CharRead != 0 {
		if v, err := session.Read(ctx, c); err != nil {
			cr.Error = err.Error()
		} else {
			cr.Value = hex.EncodeToString(truncate(v, readLimit))
		}
	}
	for _, d := range c.Descriptors() {
		dr := descriptorReport{UUID: device.UUIDString(d.UUID()), Name: bledb.LookupDescriptor(d.UUID().String())}
		if readLimit > 0 {
			v, err := session.ReadDescriptor(ctx, d)
			if err != nil {
				dr.Error = err.Error()
			} else {
				dr.Value = hex.EncodeToString(truncate(v, readLimit))
				if decoded, err := gatt.DecodeDescriptor(d.UUID(), v); err == nil && decoded != nil {
					dr.Decoded = decoded
				}
			}
		}
		cr.Descriptors = append(cr.Descriptors, dr)
	}
	return cr
}

func truncate(v []byte, limit int) []byte {
	if len(v) > limit {
		return v[:limit]
	}
	return v
}

func labelled(uuid, name string) string {
	if name == "" {
		return uuid
	}
	return fmt.Sprintf("%s (%s)", uuid, name)
}

func printReport(w io.Writer, r deviceReport) {
	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	name := r.Name
	if name == "" {
		name = "(unknown)"
	}
	bold.Fprintf(w, "Device %s\n", name)
	fmt.Fprintf(w, "  Address: %s\n", r.Address)
	if r.RSSI != nil {
		fmt.Fprintf(w, "  RSSI: %d dBm\n", *r.RSSI)
	}
	fmt.Fprintf(w, "  MTU: %d\n", r.MTU)

	for _, s := range r.Services {
		kind := "Service"
		if !s.Primary {
			kind = "Secondary service"
		}
		fmt.Fprintln(w)
		bold.Fprintf(w, "%s %s\n", kind, labelled(s.UUID, s.Name))
		for _, inc := range s.Includes {
			fmt.Fprintf(w, "  Includes %s\n", inc)
		}
		for _, c := range s.Characteristics {
			fmt.Fprintf(w, "  Characteristic %s [%s]\n", labelled(c.UUID, c.Name), strings.Join(c.Properties, ","))
			switch {
			case c.Error != "":
				fmt.Fprintf(w, "    Value: %s\n", color.RedString("error: %s", c.Error))
			case c.Value != "":
				fmt.Fprintf(w, "    Value: %s\n", formatHexValue(c.Value))
			}
			for _, d := range c.Descriptors {
				value := faint.Sprint("-")
				switch {
				case d.Error != "":
					value = color.RedString("error: %s", d.Error)
				case d.Value != "":
					value = formatHexValue(d.Value)
				}
				fmt.Fprintf(w, "    Descriptor %s: %s\n", labelled(d.UUID, d.Name), value)
			}
		}
	}
}

// formatHexValue appends the printable text of a hex value: `48690a "Hi."`.
func formatHexValue(h string) string {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) == 0 || !utf8.Valid(b) {
		return h
	}
	text := []rune(string(b))
	printable := 0
	for i, r := range text {
		if unicode.IsPrint(r) {
			printable++
		} else {
			text[i] = '.'
		}
	}
	if printable*2 < len(text) {
		return h
	}
	return fmt.Sprintf("%s %q", h, string(text))
}
