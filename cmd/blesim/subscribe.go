package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
)

// StreamMode selects how notifications are printed.
type StreamMode int

const (
	StreamEveryUpdate StreamMode = iota // print each notification
	StreamBatched                       // print everything received per interval
	StreamLatest                        // print the last value per characteristic per interval
)

type subscribeFlags struct {
	serviceUUID    string
	charUUIDs      string
	hex            bool
	connectTimeout time.Duration
	mode           string
	rate           time.Duration
	count          int
	verbose        bool
}

func newSubscribeCmd() *cobra.Command {
	f := &subscribeFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> [uuid]",
		Short: "Subscribe to characteristic notifications",
		Long: fmt.Sprintf(`Subscribes to characteristic notifications and prints received data.

Stream modes:
  live     - Output every notification immediately (default)
  batched  - Collect notifications, output at rate interval
  latest   - Keep only latest value per characteristic, output at rate interval

Examples:
  # Subscribe to single characteristic
  blesim subscribe -S devices.yaml %s 2a37

  # Subscribe to multiple characteristics (auto-resolves services)
  blesim subscribe -S devices.yaml %s 2a6e,2a6f --hex

  # Subscribe to all notifiable characteristics in a service
  blesim subscribe -S devices.yaml %s --service 181a

  # Latest value per characteristic every second, stop after 10 lines
  blesim subscribe -S devices.yaml %s --service 181a --mode latest --rate 1s --count 10

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error { return runSubscribe(cmd, args, f) },
	}

	cmd.Flags().StringVar(&f.serviceUUID, "service", "", "Service UUID (optional; auto-resolves if omitted)")
	cmd.Flags().StringVar(&f.charUUIDs, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().StringVar(&f.mode, "mode", "live", "Stream mode: live, batched, or latest")
	cmd.Flags().DurationVar(&f.rate, "rate", time.Second, "Output interval for batched/latest modes")
	cmd.Flags().IntVar(&f.count, "count", 0, "Exit after printing N values (0 runs until Ctrl+C)")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Verbose logging")
	return cmd
}

// parseStreamMode converts the --mode flag.
func parseStreamMode(mode string) (StreamMode, error) {
	switch strings.ToLower(mode) {
	case "live", "instant", "every":
		return StreamEveryUpdate, nil
	case "batched", "batch":
		return StreamBatched, nil
	case "latest", "aggregated":
		return StreamLatest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use live, batched, or latest", mode)
	}
}

// notifiableTargets keeps characteristics that can notify. Explicitly
// requested characteristics that cannot are an error; a whole-service
// request skips them.
func notifiableTargets(session *inspector.Session, charUUIDsCSV, serviceUUID string) ([]*target, error) {
	targets, err := resolveCharacteristics(session, charUUIDsCSV, serviceUUID)
	if err != nil {
		return nil, err
	}
	var out []*target
	for _, t := range targets {
		if gatt.CanNotify(t.char) {
			out = append(out, t)
		} else if charUUIDsCSV != "" {
			return nil, fmt.Errorf("characteristic %s does not support notifications", describeCharacteristic(t.char.UUID()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no notifiable characteristics found")
	}
	return out, nil
}

func runSubscribe(cmd *cobra.Command, args []string, f *subscribeFlags) error {
	address := args[0]

	mode, err := parseStreamMode(f.mode)
	if err != nil {
		return err
	}
	if mode != StreamEveryUpdate && f.rate <= 0 {
		return fmt.Errorf("rate must be positive for %s mode", f.mode)
	}

	charUUIDsCSV := f.charUUIDs
	if len(args) == 2 {
		charUUIDsCSV = args[1]
	}
	if charUUIDsCSV == "" && f.serviceUUID == "" {
		return fmt.Errorf("specify characteristic UUID(s) via argument or --char flag, or use --service for all characteristics")
	}

	status := cmd.ErrOrStderr()
	return withSession(cmd, address, f.connectTimeout, fmt.Sprintf("Subscribing to %s", address), func(ctx context.Context, session *inspector.Session, logger *logrus.Logger) error {
		targets, err := notifiableTargets(session, charUUIDsCSV, f.serviceUUID)
		if err != nil {
			return err
		}

		merged := make(chan inspector.Notification, 64)
		for _, t := range targets {
			ch, err := session.Subscribe(ctx, t.char, 64)
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", describeCharacteristic(t.char.UUID()), err)
			}
			go forward(ctx, ch, merged)
		}

		if len(targets) == 1 {
			fmt.Fprintf(status, "Subscribed to %s. Press Ctrl+C to stop...\n", describeCharacteristic(targets[0].char.UUID()))
		} else {
			fmt.Fprintf(status, "Subscribed to %d characteristics. Press Ctrl+C to stop...\n", len(targets))
		}
		logger.WithField("mode", f.mode).Debug("Streaming notifications")

		p := &notificationPrinter{w: cmd.OutOrStdout(), hex: f.hex, prefix: len(targets) > 1, limit: f.count}
		return p.stream(ctx, session, merged, mode, f.rate)
	})
}

func forward(ctx context.Context, in <-chan inspector.Notification, out chan<- inspector.Notification) {
	for n := range in {
		select {
		case out <- n:
		case <-ctx.Done():
			return
		}
	}
}

type notificationPrinter struct {
	w       io.Writer
	hex     bool
	prefix  bool
	limit   int
	printed int
}

// stream prints notifications until ctx ends, the link drops or the print
// limit is reached.
func (p *notificationPrinter) stream(ctx context.Context, session *inspector.Session, in <-chan inspector.Notification, mode StreamMode, rate time.Duration) error {
	var tick <-chan time.Time
	if mode != StreamEveryUpdate {
		ticker := time.NewTicker(rate)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		batch  []inspector.Notification
		latest []inspector.Notification // one entry per characteristic, first-seen order
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Disconnected():
			return fmt.Errorf("%w: %v", ErrConnectionLost, session.Err())
		case n := <-in:
			switch mode {
			case StreamEveryUpdate:
				if p.print(n) {
					return nil
				}
			case StreamBatched:
				batch = append(batch, n)
			case StreamLatest:
				latest = upsert(latest, n)
			}
		case <-tick:
			pending := batch
			if mode == StreamLatest {
				pending = latest
			}
			for _, n := range pending {
				if p.print(n) {
					return nil
				}
			}
			batch, latest = batch[:0], latest[:0]
		}
	}
}

func upsert(list []inspector.Notification, n inspector.Notification) []inspector.Notification {
	for i := range list {
		if list[i].Characteristic == n.Characteristic {
			list[i] = n
			return list
		}
	}
	return append(list, n)
}

// print writes n and reports whether the limit is reached.
func (p *notificationPrinter) print(n inspector.Notification) bool {
	var prefix string
	if p.prefix {
		prefix = device.UUIDString(n.Characteristic.UUID()) + ": "
	}
	if p.hex {
		fmt.Fprintf(p.w, "%s%s\n", prefix, hex.EncodeToString(n.Value))
	} else {
		fmt.Fprintf(p.w, "%s%s\n", prefix, n.Value)
	}
	p.printed++
	return p.limit > 0 && p.printed >= p.limit
}
