package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/bridge"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/device"
)

type bridgeFlags struct {
	serviceUUID    string
	rxUUID         string
	txUUID         string
	withResponse   bool
	connectTimeout time.Duration
	symlink        string
	stdinBuffer    int
	stdoutBuffer   int
	verbose        bool
}

func newBridgeCmd() *cobra.Command {
	f := &bridgeFlags{}
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Create a PTY bridge to a simulated serial-over-BLE device",
		Long: fmt.Sprintf(`Creates a bidirectional PTY (pseudoterminal) bridge to a simulated peripheral,
so applications that expect a serial port can talk to it.

Data written to the PTY is sent to the RX characteristic, and notifications from
the TX characteristic are written back to the PTY. The Nordic UART Service is
used unless --service, --rx and --tx say otherwise.

Example:
  blesim bridge -S uart.yaml %s
  blesim bridge -S uart.yaml %s --symlink /tmp/ble-uart

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return runBridge(cmd, args[0], f) },
	}

	cmd.Flags().StringVar(&f.serviceUUID, "service", bridge.DefaultServiceUUID, "Service UUID to bridge with")
	cmd.Flags().StringVar(&f.rxUUID, "rx", bridge.DefaultRXUUID, "Characteristic receiving PTY input")
	cmd.Flags().StringVar(&f.txUUID, "tx", bridge.DefaultTXUUID, "Characteristic notifying PTY output")
	cmd.Flags().BoolVar(&f.withResponse, "with-response", false, "Send PTY input as acknowledged writes")
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().StringVar(&f.symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
	cmd.Flags().IntVar(&f.stdinBuffer, "stdin-buffer", bridge.DefaultPtyStdinBufferSize, "PTY input ring buffer size in bytes")
	cmd.Flags().IntVar(&f.stdoutBuffer, "stdout-buffer", bridge.DefaultPtyStdoutBufferSize, "PTY output ring buffer size in bytes")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Verbose logging")
	return cmd
}

func runBridge(cmd *cobra.Command, address string, f *bridgeFlags) error {
	id, err := uuid.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid device address %q: %w", address, err)
	}
	if _, err := device.ParseUUIDs(f.serviceUUID, f.rxUUID, f.txUUID); err != nil {
		return fmt.Errorf("invalid bridge UUID: %w", err)
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

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Starting bridge for %s", address), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	out := cmd.OutOrStdout()
	_, err = bridge.Run(ctx, in, &bridge.Options{
		Peripheral:          id,
		ConnectTimeout:      f.connectTimeout,
		ServiceUUID:         f.serviceUUID,
		RXUUID:              f.rxUUID,
		TXUUID:              f.txUUID,
		WithResponse:        f.withResponse,
		PtyStdinBufferSize:  f.stdinBuffer,
		PtyStdoutBufferSize: f.stdoutBuffer,
		TTYSymlinkPath:      f.symlink,
		Logger:              sim.logger,
	}, progress.Callback(), func(b *bridge.Bridge) (struct{}, error) {
		fmt.Fprintf(out, "Bridge running: %s\n", color.GreenString(b.TTYName()))
		if b.TTYSymlink() != "" {
			fmt.Fprintf(out, "Symlink: %s\n", b.TTYSymlink())
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Press Ctrl+C to stop...")

		err := b.Wait(ctx)
		st := b.Stats()
		sim.logger.WithField("to_device", st.ToDevice).
			WithField("from_device", st.FromDevice).
			WithField("failed_writes", st.Failed).
			Info("Bridge shutting down...")
		fmt.Fprintf(out, "Bridged %d bytes to the device, %d bytes from it\n", st.ToDevice, st.FromDevice)
		if inspector.IsNotConnected(err) {
			return struct{}{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return struct{}{}, err
	})
	return err
}
