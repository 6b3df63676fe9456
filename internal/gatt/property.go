package gatt

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

var propertyNames = []struct {
	property ble.Property
	name     string
}{
	{ble.CharBroadcast, "broadcast"},
	{ble.CharRead, "read"},
	{ble.CharWriteNR, "write-without-response"},
	{ble.CharWrite, "write"},
	{ble.CharNotify, "notify"},
	{ble.CharIndicate, "indicate"},
	{ble.CharSignedWrite, "signed-write"},
	{ble.CharExtended, "extended"},
}

// PropertyNames lists the names of the bits set in p, lowest bit first.
func PropertyNames(p ble.Property) []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.property != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

// FormatProperties renders p as a comma separated list, e.g. "read,notify".
func FormatProperties(p ble.Property) string {
	return strings.Join(PropertyNames(p), ",")
}

// ParseProperties parses a comma separated property list. "write-nr" and
// "writenr" are accepted for write-without-response.
func ParseProperties(s string) (ble.Property, error) {
	var p ble.Property
	for _, raw := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if name == "write-nr" || name == "writenr" {
			name = "write-without-response"
		}

		found := false
		for _, pn := range propertyNames {
			if pn.name == name {
				p |= pn.property
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", raw)
		}
	}
	return p, nil
}

// CanNotify reports whether c supports notifications or indications.
func CanNotify(c *Characteristic) bool {
	return c.properties&(ble.CharNotify|ble.CharIndicate) != 0
}
