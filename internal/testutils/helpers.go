package testutils

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
)

// LoadScript reads a file relative to the module root.
func LoadScript(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(root)
		if parent == root {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		root = parent
	}

	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", relPath, err)
	}
	return string(data), nil
}

type descriptorJSON struct {
	UUID  string `json:"uuid"`
	Value string `json:"value,omitempty"`
}

type characteristicJSON struct {
	UUID        string           `json:"uuid"`
	Properties  string           `json:"properties"`
	Value       string           `json:"value,omitempty"`
	Descriptors []descriptorJSON `json:"descriptors,omitempty"`
}

type serviceJSON struct {
	UUID            string               `json:"uuid"`
	Primary         bool                 `json:"primary"`
	Includes        []string             `json:"includes,omitempty"`
	Characteristics []characteristicJSON `json:"characteristics,omitempty"`
}

// ServicesToJSON renders a service list for JSONAsserter comparisons. Values
// are hex encoded.
func ServicesToJSON(services []*gatt.Service) string {
	out := make([]serviceJSON, 0, len(services))
	for _, s := range services {
		sj := serviceJSON{UUID: device.UUIDString(s.UUID()), Primary: s.IsPrimary()}
		for _, inc := range s.IncludedServices() {
			sj.Includes = append(sj.Includes, device.UUIDString(inc.UUID()))
		}
		for _, c := range s.Characteristics() {
			cj := characteristicJSON{
				UUID:       device.UUIDString(c.UUID()),
				Properties: gatt.FormatProperties(c.Properties()),
				Value:      hex.EncodeToString(c.Value()),
			}
			for _, d := range c.Descriptors() {
				cj.Descriptors = append(cj.Descriptors, descriptorJSON{
					UUID:  device.UUIDString(d.UUID()),
					Value: hex.EncodeToString(d.Value()),
				})
			}
			sj.Characteristics = append(sj.Characteristics, cj)
		}
		out = append(out, sj)
	}
	return MustJSON(out)
}
