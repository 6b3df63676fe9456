package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sigBase = "-0000-1000-8000-00805f9b34fb"

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"180d", "180d"},
		{"0x180D", "180d"},
		{"2A6E", "2a6e"},
		{"0000181a" + sigBase, "181a"},
		{"0000181A00001000800000805F9B34FB", "181a"},
		{"{00002902" + sigBase + "}", "2902"},
		{" 2a19 ", "2a19"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		// only 16-bit aliases of the SIG base are shortened
		{"1234180d" + sigBase, "1234180d00001000800000805f9b34fb"},
		{"0000180d", "180d"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.in))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	assert.Equal(t, []string{"180d", "2a37"}, NormalizeUUIDs([]string{"0x180D", "00002A37" + sigBase}))
	assert.Empty(t, NormalizeUUIDs(nil))
}

// Every lookup goes through NormalizeUUID, so table keys must already be in
// normalized form or they can never match.
func TestTableKeysAreNormalized(t *testing.T) {
	for name, table := range map[string]map[string]string{
		"services":        services,
		"characteristics": characteristics,
		"descriptors":     descriptors,
	} {
		for key, value := range table {
			assert.Equal(t, key, NormalizeUUID(key), "%s key MUST be normalized", name)
			assert.NotEmpty(t, value, "%s %s MUST have a name", name, key)
		}
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		kind   string
		lookup func(string) string
		uuid   string
		want   string
	}{
		{"service", LookupService, "181A", "Environmental Sensing"},
		{"service", LookupService, "0000180f" + sigBase, "Battery Service"},
		{"service", LookupService, "0x1826", "Fitness Machine"},
		{"service", LookupService, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", "Nordic UART Service"},
		{"service", LookupService, "2a19", ""},
		{"characteristic", LookupCharacteristic, "2a6e", "Temperature"},
		{"characteristic", LookupCharacteristic, "00002A6F" + sigBase, "Humidity"},
		{"characteristic", LookupCharacteristic, "2a05", "Service Changed"},
		{"characteristic", LookupCharacteristic, "6E400002-B5A3-F393-E0A9-E50E24DCCA9E", "Nordic UART RX"},
		{"characteristic", LookupCharacteristic, "6e400003b5a3f393e0a9e50e24dcca9e", "Nordic UART TX"},
		{"characteristic", LookupCharacteristic, "180d", ""},
		{"descriptor", LookupDescriptor, "2902", "Client Characteristic Configuration"},
		{"descriptor", LookupDescriptor, "{00002904" + sigBase + "}", "Characteristic Presentation Format"},
		{"descriptor", LookupDescriptor, "6e400003-b5a3-f393-e0a9-e50e24dcca9e", ""},
		{"descriptor", LookupDescriptor, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.uuid, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lookup(tt.uuid))
		})
	}
}
