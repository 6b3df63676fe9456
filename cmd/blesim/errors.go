package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesim/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was using it.
	// device.ErrNotConnected instead means the peripheral was never connected.
	ErrConnectionLost = errors.New("connection lost")

	ErrNoScenario = errors.New("no scenario: pass --scenario <file>")
)

// FormatUserError turns well-known failures into a one-line hint.
func FormatUserError(err error) string {
	var (
		att      device.ATTError
		notFound *device.NotFoundError
	)
	switch {
	case errors.Is(err, ErrNoScenario):
		return err.Error()
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%v (is the peripheral in range and connectable?)", err)
	case errors.Is(err, device.ErrBluetoothOff):
		return fmt.Sprintf("%v (the simulated adapter is not powered on)", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v (the peripheral dropped the link)", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%v (use 'blesim inspect' to list the GATT tree)", err)
	case errors.As(err, &att):
		return fmt.Sprintf("peripheral refused the request: %v", err)
	}
	return err.Error()
}
