package device

import (
	"errors"
	"fmt"
)

// ATTError is an attribute protocol error code returned by a peripheral.
type ATTError uint8

const (
	ATTErrorSuccess                       ATTError = 0x00
	ATTErrorInvalidHandle                 ATTError = 0x01
	ATTErrorReadNotPermitted              ATTError = 0x02
	ATTErrorWriteNotPermitted             ATTError = 0x03
	ATTErrorInvalidPDU                    ATTError = 0x04
	ATTErrorInsufficientAuthentication    ATTError = 0x05
	ATTErrorRequestNotSupported           ATTError = 0x06
	ATTErrorInvalidOffset                 ATTError = 0x07
	ATTErrorInsufficientAuthorization     ATTError = 0x08
	ATTErrorPrepareQueueFull              ATTError = 0x09
	ATTErrorAttributeNotFound             ATTError = 0x0A
	ATTErrorAttributeNotLong              ATTError = 0x0B
	ATTErrorInsufficientEncryptionKeySize ATTError = 0x0C
	ATTErrorInvalidAttributeValueLength   ATTError = 0x0D
	ATTErrorUnlikelyError                 ATTError = 0x0E
	ATTErrorInsufficientEncryption        ATTError = 0x0F
	ATTErrorUnsupportedGroupType          ATTError = 0x10
	ATTErrorInsufficientResources         ATTError = 0x11
)

var attErrorNames = map[ATTError]string{
	ATTErrorSuccess:                       "success",
	ATTErrorInvalidHandle:                 "invalid handle",
	ATTErrorReadNotPermitted:              "read not permitted",
	ATTErrorWriteNotPermitted:             "write not permitted",
	ATTErrorInvalidPDU:                    "invalid PDU",
	ATTErrorInsufficientAuthentication:    "insufficient authentication",
	ATTErrorRequestNotSupported:           "request not supported",
	ATTErrorInvalidOffset:                 "invalid offset",
	ATTErrorInsufficientAuthorization:     "insufficient authorization",
	ATTErrorPrepareQueueFull:              "prepare queue full",
	ATTErrorAttributeNotFound:             "attribute not found",
	ATTErrorAttributeNotLong:              "attribute not long",
	ATTErrorInsufficientEncryptionKeySize: "insufficient encryption key size",
	ATTErrorInvalidAttributeValueLength:   "invalid attribute value length",
	ATTErrorUnlikelyError:                 "unlikely error",
	ATTErrorInsufficientEncryption:        "insufficient encryption",
	ATTErrorUnsupportedGroupType:          "unsupported group type",
	ATTErrorInsufficientResources:         "insufficient resources",
}

func (e ATTError) Error() string {
	if name, ok := attErrorNames[e]; ok {
		return fmt.Sprintf("att error 0x%02x: %s", uint8(e), name)
	}
	return fmt.Sprintf("att error 0x%02x", uint8(e))
}

// CBError is a central-side failure such as a lost link.
type CBError int

const (
	CBErrorUnknown                       CBError = 0
	CBErrorInvalidParameters             CBError = 1
	CBErrorInvalidHandle                 CBError = 2
	CBErrorNotConnected                  CBError = 3
	CBErrorOutOfSpace                    CBError = 4
	CBErrorOperationCancelled            CBError = 5
	CBErrorConnectionTimeout             CBError = 6
	CBErrorPeripheralDisconnected        CBError = 7
	CBErrorUUIDNotAllowed                CBError = 8
	CBErrorAlreadyAdvertising            CBError = 9
	CBErrorConnectionFailed              CBError = 10
	CBErrorConnectionLimitReached        CBError = 11
	CBErrorUnknownDevice                 CBError = 12
	CBErrorOperationNotSupported         CBError = 13
	CBErrorPeerRemovedPairingInformation CBError = 14
	CBErrorEncryptionTimedOut            CBError = 15
	CBErrorTooManyLEPairedDevices        CBError = 16
)

var cbErrorNames = map[CBError]string{
	CBErrorUnknown:                       "unknown error",
	CBErrorInvalidParameters:             "invalid parameters",
	CBErrorInvalidHandle:                 "invalid handle",
	CBErrorNotConnected:                  "device not connected",
	CBErrorOutOfSpace:                    "out of space",
	CBErrorOperationCancelled:            "operation cancelled",
	CBErrorConnectionTimeout:             "connection timed out",
	CBErrorPeripheralDisconnected:        "peripheral disconnected",
	CBErrorUUIDNotAllowed:                "UUID not allowed",
	CBErrorAlreadyAdvertising:            "already advertising",
	CBErrorConnectionFailed:              "connection failed",
	CBErrorConnectionLimitReached:        "connection limit reached",
	CBErrorUnknownDevice:                 "unknown device",
	CBErrorOperationNotSupported:         "operation not supported",
	CBErrorPeerRemovedPairingInformation: "peer removed pairing information",
	CBErrorEncryptionTimedOut:            "encryption timed out",
	CBErrorTooManyLEPairedDevices:        "too many LE paired devices",
}

func (e CBError) Error() string {
	if name, ok := cbErrorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("bluetooth error %d", int(e))
}

// ----------------------------
// Harness errors
// ----------------------------

// NotFoundError represents a lookup that matched nothing.
type NotFoundError struct {
	Resource string   // "peripheral", "service", "characteristic", "descriptor"
	UUIDs    []string // one or more identifiers, outermost first
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// StateKind names the precondition a rejected call violated.
type StateKind string

const (
	NotPoweredOn     StateKind = "bluetooth_off"
	NotConnected     StateKind = "not_connected"
	AlreadyConnected StateKind = "already_connected"
	ManagerClosed    StateKind = "manager_closed"
)

// StateError reports a call made in a state that forbids it.
type StateError struct {
	State StateKind
	Msg   string
}

func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is compares StateError values by State.
func (e *StateError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StateError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrBluetoothOff     = &StateError{State: NotPoweredOn}
	ErrNotConnected     = &StateError{State: NotConnected}
	ErrAlreadyConnected = &StateError{State: AlreadyConnected}
	ErrManagerClosed    = &StateError{State: ManagerClosed}
)

var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsState reports whether err is a StateError of the given kind.
func IsState(err error, state StateKind) bool {
	var serr *StateError
	if errors.As(err, &serr) {
		return serr.State == state
	}
	return false
}
