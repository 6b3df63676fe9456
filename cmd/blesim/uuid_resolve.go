package main

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/bledb"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
)

// target is a resolved characteristic or descriptor.
type target struct {
	service *gatt.Service
	char    *gatt.Characteristic
	desc    *gatt.Descriptor // nil for characteristic targets
}

// resolveTarget finds a characteristic or descriptor in a discovered session.
//
// Resolution cases:
//  1. Explicit service: look the characteristic (charUUID, else targetUUID)
//     up in that service, then the descriptor when descUUID is set
//  2. Auto-resolve: search every service for targetUUID, which must be unique
func resolveTarget(session *inspector.Session, targetUUID, serviceUUID, charUUID, descUUID string) (*target, error) {
	isDescriptor := descUUID != ""

	if serviceUUID != "" && (charUUID != "" || targetUUID != "") {
		charToFind := charUUID
		if charToFind == "" {
			charToFind = targetUUID
		}
		c, err := session.Characteristic(serviceUUID, charToFind)
		if err != nil {
			return nil, err
		}
		t := &target{service: session.ServiceOf(c), char: c}
		if isDescriptor {
			d, err := findDescriptor(c, descUUID)
			if err != nil {
				return nil, err
			}
			t.desc = d
		}
		return t, nil
	}

	want, err := device.ParseUUID(targetUUID)
	if err != nil {
		return nil, err
	}

	var found []*target
	for _, svc := range session.Services() {
		for _, c := range svc.Characteristics() {
			if !isDescriptor {
				if c.UUID().Equal(want) {
					found = append(found, &target{service: svc, char: c})
				}
				continue
			}
			if d := c.DescriptorByUUID(want); d != nil {
				found = append(found, &target{service: svc, char: c, desc: d})
			}
		}
	}

	kind := "characteristic"
	hint := "--service"
	if isDescriptor {
		kind, hint = "descriptor", "--service and --char"
	}
	switch len(found) {
	case 0:
		return nil, &device.NotFoundError{Resource: kind, UUIDs: []string{device.UUIDString(want)}}
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%s %s found in %d places, specify %s", kind, device.UUIDString(want), len(found), hint)
	}
}

func findDescriptor(c *gatt.Characteristic, descUUID string) (*gatt.Descriptor, error) {
	u, err := device.ParseUUID(descUUID)
	if err != nil {
		return nil, err
	}
	d := c.DescriptorByUUID(u)
	if d == nil {
		return nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{device.UUIDString(c.UUID()), device.UUIDString(u)}}
	}
	return d, nil
}

// parseCSVUUIDs splits a comma-separated UUID list, dropping blanks.
//
//	"2a37, 2a38,,2a19" -> ["2a37", "2a38", "2a19"]
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		if u = strings.TrimSpace(u); u != "" {
			result = append(result, u)
		}
	}
	return result
}

// resolveCharacteristics resolves a CSV list of characteristics.
//
// Resolution cases:
//  1. charUUIDsCSV + serviceUUID: each characteristic in that service
//  2. charUUIDsCSV alone: auto-resolve each across all services
//  3. serviceUUID alone: every characteristic of that service
//  4. neither: error
//
// Duplicates are dropped; the result keeps request order.
func resolveCharacteristics(session *inspector.Session, charUUIDsCSV, serviceUUID string) ([]*target, error) {
	charUUIDs := parseCSVUUIDs(charUUIDsCSV)

	if len(charUUIDs) == 0 {
		if serviceUUID == "" {
			return nil, fmt.Errorf("no UUIDs provided")
		}
		want, err := device.ParseUUID(serviceUUID)
		if err != nil {
			return nil, err
		}
		for _, svc := range session.Services() {
			if !svc.UUID().Equal(want) {
				continue
			}
			var out []*target
			for _, c := range svc.Characteristics() {
				out = append(out, &target{service: svc, char: c})
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("no characteristics found in service %s", device.UUIDString(want))
			}
			return out, nil
		}
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{device.UUIDString(want)}}
	}

	var out []*target
	seen := make(map[*gatt.Characteristic]bool)
	for _, u := range charUUIDs {
		t, err := resolveTarget(session, u, serviceUUID, "", "")
		if err != nil {
			return nil, err
		}
		if !seen[t.char] {
			seen[t.char] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// describeUUID renders a UUID with its assigned name when one is known:
// "2a19 (Battery Level)".
func describeUUID(u ble.UUID, lookup func(string) string) string {
	s := device.UUIDString(u)
	if name := lookup(s); name != "" {
		return fmt.Sprintf("%s (%s)", s, name)
	}
	return s
}

func describeService(u ble.UUID) string        { return describeUUID(u, bledb.LookupService) }
func describeCharacteristic(u ble.UUID) string { return describeUUID(u, bledb.LookupCharacteristic) }
func describeDescriptor(u ble.UUID) string     { return describeUUID(u, bledb.LookupDescriptor) }
