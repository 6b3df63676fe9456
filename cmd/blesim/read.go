package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/device"
)

type readFlags struct {
	serviceUUID    string
	charUUIDs      string // comma-separated
	descUUID       string
	hex            bool
	watch          string
	connectTimeout time.Duration
	verbose        bool
}

func newReadCmd() *cobra.Command {
	f := &readFlags{}
	cmd := &cobra.Command{
		Use:   "read <device-address> [uuid]",
		Short: "Read a characteristic or descriptor value",
		Long: fmt.Sprintf(`Reads data from characteristic(s) or a descriptor of a simulated peripheral.

Examples:
  # Read Battery Level characteristic
  blesim read -S devices.yaml %s 2a19

  # Read multiple characteristics (comma-separated)
  blesim read -S devices.yaml %s 2a37,2a38,2a19 --hex

  # Read with service disambiguation
  blesim read -S devices.yaml %s --service 180f --char 2a19

  # Read descriptor (Characteristic User Description)
  blesim read -S devices.yaml %s --service 181a --char 2a6e --desc 2901

  # Continuously read every 500ms
  blesim read -S devices.yaml %s 2a37 --watch 500ms

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error { return runRead(cmd, args, f) },
	}

	cmd.Flags().StringVar(&f.serviceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.charUUIDs, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	cmd.Flags().StringVar(&f.descUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
	cmd.Flags().StringVar(&f.watch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	cmd.Flags().Lookup("watch").NoOptDefVal = "1s"
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Verbose logging")
	return cmd
}

func runRead(cmd *cobra.Command, args []string, f *readFlags) error {
	address := args[0]

	var uuidInput string
	switch {
	case len(args) == 2:
		uuidInput = args[1]
	case f.charUUIDs != "":
		uuidInput = f.charUUIDs
	case f.descUUID != "":
		uuidInput = f.descUUID
	case f.serviceUUID != "":
		// every characteristic of the service
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char/--desc flag")
	}

	uuids := parseCSVUUIDs(uuidInput)
	var watchInterval time.Duration
	if f.watch != "" {
		if len(uuids) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(uuids))
		}
		var err error
		if watchInterval, err = time.ParseDuration(f.watch); err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %v", watchInterval)
		}
	}

	operation := "Reading"
	if f.watch != "" {
		operation = "Watching"
	}
	description := fmt.Sprintf("%s %s from %s", operation, uuidInput, address)
	if len(uuids) > 1 {
		description = fmt.Sprintf("%s %d characteristics from %s", operation, len(uuids), address)
	}

	out := cmd.OutOrStdout()
	return withSession(cmd, address, f.connectTimeout, description, func(ctx context.Context, session *inspector.Session, logger *logrus.Logger) error {
		if f.descUUID != "" {
			t, err := resolveTarget(session, f.descUUID, f.serviceUUID, f.charUUIDs, f.descUUID)
			if err != nil {
				return err
			}
			read := func() ([]byte, error) { return session.ReadDescriptor(ctx, t.desc) }
			if f.watch != "" {
				return watchValue(ctx, cmd.ErrOrStderr(), out, read, watchInterval, f.hex, logger)
			}
			data, err := read()
			if err != nil {
				return fmt.Errorf("failed to read descriptor %s: %w", describeDescriptor(t.desc.UUID()), err)
			}
			return outputData(out, data, f.hex)
		}

		targets, err := resolveCharacteristics(session, uuidInput, f.serviceUUID)
		if err != nil {
			return err
		}

		if len(targets) == 1 {
			c := targets[0].char
			read := func() ([]byte, error) { return session.Read(ctx, c) }
			if f.watch != "" {
				return watchValue(ctx, cmd.ErrOrStderr(), out, read, watchInterval, f.hex, logger)
			}
			data, err := read()
			if err != nil {
				return fmt.Errorf("failed to read characteristic %s: %w", describeCharacteristic(c.UUID()), err)
			}
			return outputData(out, data, f.hex)
		}

		// Multi-characteristic: report failures and continue
		for _, t := range targets {
			data, err := session.Read(ctx, t.char)
			if err != nil {
				if inspector.IsNotConnected(err) {
					return ErrConnectionLost
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", device.UUIDString(t.char.UUID()), err)
				continue
			}
			outputDataWithPrefix(out, device.UUIDString(t.char.UUID()), data, f.hex)
		}
		return nil
	})
}

// watchValue reads immediately and then every interval until ctx ends.
// Failures are logged and skipped unless the link is gone.
func watchValue(ctx context.Context, status, out io.Writer, read func() ([]byte, error), interval time.Duration, asHex bool, logger *logrus.Logger) error {
	fmt.Fprintf(status, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	readOnce := func() error {
		data, err := read()
		if err != nil {
			if inspector.IsNotConnected(err) {
				return ErrConnectionLost
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			logger.WithError(err).Warn("Failed to read, continuing...")
			return nil
		}
		if asHex {
			return outputData(out, data, true)
		}
		// newline-separate raw samples
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	}

	if err := readOnce(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := readOnce(); err != nil {
				return err
			}
		}
	}
}

// outputData writes data as hex with a newline, or raw.
func outputData(w io.Writer, data []byte, asHex bool) error {
	if asHex {
		_, err := fmt.Fprintln(w, hex.EncodeToString(data))
		return err
	}
	_, err := w.Write(data)
	return err
}

// outputDataWithPrefix writes "uuid: value" lines for multi-characteristic reads.
func outputDataWithPrefix(w io.Writer, uuid string, data []byte, asHex bool) {
	if asHex {
		fmt.Fprintf(w, "%s: %s\n", uuid, hex.EncodeToString(data))
		return
	}
	fmt.Fprintf(w, "%s: %s\n", uuid, data)
}
