package gatt

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-ble/ble"
)

// Well-known descriptor UUIDs.
var (
	DescriptorExtendedProperties = ble.UUID16(0x2900)
	DescriptorUserDescription    = ble.UUID16(0x2901)
	DescriptorClientConfig       = ble.UUID16(0x2902)
	DescriptorPresentationFormat = ble.UUID16(0x2904)
)

// ClientConfig is the value of the Client Characteristic Configuration
// descriptor (0x2902).
type ClientConfig struct {
	Notifications bool `json:"notifications"`
	Indications   bool `json:"indications"`
}

// ParseClientConfig decodes a 2-byte CCCD value.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	if len(data) != 2 {
		return nil, fmt.Errorf("invalid length for client config: expected 2, got %d", len(data))
	}
	v := binary.LittleEndian.Uint16(data)
	return &ClientConfig{
		Notifications: v&0x0001 != 0,
		Indications:   v&0x0002 != 0,
	}, nil
}

// Bytes encodes the configuration as a CCCD value.
func (c ClientConfig) Bytes() []byte {
	var v uint16
	if c.Notifications {
		v |= 0x0001
	}
	if c.Indications {
		v |= 0x0002
	}
	return binary.LittleEndian.AppendUint16(nil, v)
}

// ClientConfigFor returns the CCCD value a central writes when it toggles
// notifications on c. Indications are used only when notify is not supported.
func ClientConfigFor(c *Characteristic, enabled bool) ClientConfig {
	if !enabled {
		return ClientConfig{}
	}
	if c.properties&ble.CharNotify != 0 {
		return ClientConfig{Notifications: true}
	}
	return ClientConfig{Indications: c.properties&ble.CharIndicate != 0}
}

// ExtendedProperties is the value of descriptor 0x2900.
type ExtendedProperties struct {
	ReliableWrite       bool `json:"reliable_write"`
	WritableAuxiliaries bool `json:"writable_auxiliaries"`
}

func ParseExtendedProperties(data []byte) (*ExtendedProperties, error) {
	if len(data) != 2 {
		return nil, fmt.Errorf("invalid length for extended properties: expected 2, got %d", len(data))
	}
	v := binary.LittleEndian.Uint16(data)
	return &ExtendedProperties{
		ReliableWrite:       v&0x0001 != 0,
		WritableAuxiliaries: v&0x0002 != 0,
	}, nil
}

// ParseUserDescription decodes descriptor 0x2901, dropping a trailing NUL.
func ParseUserDescription(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("user description is not valid UTF-8")
	}
	return strings.TrimRight(string(data), "\x00"), nil
}

// PresentationFormat is the value of descriptor 0x2904.
type PresentationFormat struct {
	Format      uint8  `json:"format"`
	Exponent    int8   `json:"exponent"`
	Unit        uint16 `json:"unit"`
	Namespace   uint8  `json:"namespace"`
	Description uint16 `json:"description"`
}

func ParsePresentationFormat(data []byte) (*PresentationFormat, error) {
	if len(data) != 7 {
		return nil, fmt.Errorf("invalid length for presentation format: expected 7, got %d", len(data))
	}
	return &PresentationFormat{
		Format:      data[0],
		Exponent:    int8(data[1]),
		Unit:        binary.LittleEndian.Uint16(data[2:4]),
		Namespace:   data[4],
		Description: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// DecodeDescriptor parses the value of a well-known descriptor. It returns
// nil, nil for descriptors without a known layout.
func DecodeDescriptor(uuid ble.UUID, data []byte) (any, error) {
	switch {
	case uuid.Equal(DescriptorClientConfig):
		return ParseClientConfig(data)
	case uuid.Equal(DescriptorExtendedProperties):
		return ParseExtendedProperties(data)
	case uuid.Equal(DescriptorUserDescription):
		return ParseUserDescription(data)
	case uuid.Equal(DescriptorPresentationFormat):
		return ParsePresentationFormat(data)
	}
	return nil, nil
}
