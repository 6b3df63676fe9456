package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/gatt"
)

type writeFlags struct {
	serviceUUID    string
	charUUID       string
	descUUID       string
	hex            bool
	noResponse     bool
	chunkSize      int
	connectTimeout time.Duration
	verbose        bool
}

func newWriteCmd() *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <uuid> <data>",
		Short: "Write to a characteristic or descriptor",
		Long: fmt.Sprintf(`Writes data to a characteristic or descriptor of a simulated peripheral.

Examples:
  # Write to characteristic (string data)
  blesim write -S devices.yaml %s 2a06 "high"

  # Write hex data
  blesim write -S devices.yaml %s 2a06 01 --hex

  # Write to descriptor (enable notifications)
  blesim write -S devices.yaml %s 2902 0100 --hex --service 180d --char 2a37 --desc 2902

  # Write without response (no ACK)
  blesim write -S devices.yaml %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error { return runWrite(cmd, args, f) },
	}

	cmd.Flags().StringVar(&f.serviceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.charUUID, "char", "", "Characteristic UUID")
	cmd.Flags().StringVar(&f.descUUID, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Parse input as hex string (e.g., 'ff01'); raw bytes by default")
	cmd.Flags().BoolVar(&f.noResponse, "without-response", false, "Write without response (no ACK); default waits for ACK when supported")
	cmd.Flags().IntVar(&f.chunkSize, "chunk", 0, "Split writes into N-byte chunks; default 0 sends one write, or MTU-3 chunks without response")
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Verbose logging")
	return cmd
}

func runWrite(cmd *cobra.Command, args []string, f *writeFlags) error {
	address, targetUUID := args[0], args[1]

	data, err := parseWriteData(args[2], f.hex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if f.chunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", f.chunkSize)
	}

	description := fmt.Sprintf("Writing %d bytes to %s on %s", len(data), targetUUID, address)
	err = withSession(cmd, address, f.connectTimeout, description, func(ctx context.Context, session *inspector.Session, logger *logrus.Logger) error {
		t, err := resolveTarget(session, targetUUID, f.serviceUUID, f.charUUID, f.descUUID)
		if err != nil {
			return err
		}
		if t.desc != nil {
			if err := session.WriteDescriptor(ctx, t.desc, data); err != nil {
				return fmt.Errorf("failed to write descriptor %s: %w", describeDescriptor(t.desc.UUID()), err)
			}
			return nil
		}
		return writeCharacteristic(ctx, session, t.char, data, f, logger)
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}

// parseWriteData converts input to bytes. Hex input may contain spaces,
// colons, dashes and 0x prefixes.
func parseWriteData(dataStr string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(dataStr), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// writeCharacteristic picks the write type from the properties, then writes
// in chunks when asked to or when a command exceeds one packet.
func writeCharacteristic(ctx context.Context, session *inspector.Session, c *gatt.Characteristic, data []byte, f *writeFlags, logger *logrus.Logger) error {
	props := c.Properties()
	canWrite := props&ble.CharWrite != 0
	canWriteNR := props&ble.CharWriteNR != 0
	if !canWrite && !canWriteNR {
		return fmt.Errorf("characteristic %s does not support write operations", describeCharacteristic(c.UUID()))
	}

	// with response unless asked otherwise or unsupported
	withResponse := canWrite && !(f.noResponse && canWriteNR)

	chunk := f.chunkSize
	if chunk == 0 && !withResponse {
		chunk = session.MTU() - 3
	}
	if chunk == 0 {
		chunk = len(data)
	}

	logger.WithFields(logrus.Fields{
		"characteristic": describeCharacteristic(c.UUID()),
		"bytes":          len(data),
		"chunk":          chunk,
		"with_response":  withResponse,
	}).Debug("Writing characteristic")

	for off := 0; off < len(data) || off == 0; off += chunk {
		end := min(off+chunk, len(data))
		if err := session.Write(ctx, c, data[off:end], withResponse); err != nil {
			return fmt.Errorf("failed to write characteristic %s: %w", describeCharacteristic(c.UUID()), err)
		}
		if end == len(data) {
			break
		}
	}
	return nil
}
