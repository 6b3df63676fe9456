package device

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blesim/internal/bledb"
)

// NormalizeUUID is re-exported from bledb for convenience.
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// UUIDString renders a ble.UUID in normalized form ("180d" for SIG UUIDs).
func UUIDString(u ble.UUID) string {
	return bledb.NormalizeUUID(u.String())
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ParseUUID accepts 16-bit, 32-bit or 128-bit UUIDs in any of the forms
// NormalizeUUID understands.
func ParseUUID(s string) (ble.UUID, error) {
	normalized := NormalizeUUID(s)
	if normalized == "" {
		return nil, fmt.Errorf("invalid UUID %q", s)
	}
	u, err := ble.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

// ParseUUIDs parses every entry; the error names the first failing index.
func ParseUUIDs(uuids ...string) ([]ble.UUID, error) {
	result := make([]ble.UUID, 0, len(uuids))
	for i, s := range uuids {
		if s == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		u, err := ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("UUID at index %d: %w", i, err)
		}
		result = append(result, u)
	}
	return result, nil
}

// MustParseUUID is ParseUUID that panics on malformed input.
func MustParseUUID(s string) ble.UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ContainsUUID reports whether list holds u.
func ContainsUUID(list []ble.UUID, u ble.UUID) bool {
	for _, v := range list {
		if v.Equal(u) {
			return true
		}
	}
	return false
}
