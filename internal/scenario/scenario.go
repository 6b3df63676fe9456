// Package scenario loads simulated peripherals from YAML or JSON files.
//
// A scenario lists peripherals with their proximity, advertising packets and
// attribute tree:
//
//	peripherals:
//	  - name: Heart Rate Monitor
//	    proximity: near
//	    connection_interval: 30ms
//	    advertisements:
//	      - local_name: HRM
//	        services: [180D]
//	        interval: 100ms
//	    services:
//	      - uuid: 180D
//	        characteristics:
//	          - uuid: 2A37
//	            properties: read,notify
//	            value: "0x0048"
//	    script: |
//	      function on_read(service, char) return "\x00\x48" end
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/pkg/config"
	"gopkg.in/yaml.v3"
)

// File is the top-level document.
type File struct {
	Peripherals []Device `yaml:"peripherals" json:"peripherals"`
}

// Device describes one simulated peripheral.
type Device struct {
	Name       string `yaml:"name" json:"name"`
	Identifier string `yaml:"identifier" json:"identifier"`
	Proximity  string `yaml:"proximity" json:"proximity"`
	Known      bool   `yaml:"known" json:"known"`
	Connected  bool   `yaml:"connected" json:"connected"`
	// Connectable defaults to true when the device has services or a script.
	Connectable        *bool         `yaml:"connectable" json:"connectable"`
	ConnectionInterval time.Duration `yaml:"connection_interval" json:"connection_interval"`
	MTU                int           `yaml:"mtu" json:"mtu"`

	Advertisements []Advertisement `yaml:"advertisements" json:"advertisements"`
	Services       []Service       `yaml:"services" json:"services"`

	// Script is Lua source answering GATT requests; ScriptFile is resolved
	// relative to the scenario file.
	Script     string `yaml:"script" json:"script"`
	ScriptFile string `yaml:"script_file" json:"script_file"`
}

// Advertisement is one advertising packet.
type Advertisement struct {
	LocalName            string           `yaml:"local_name" json:"local_name"`
	Services             []string         `yaml:"services" json:"services"`
	OverflowServices     []string         `yaml:"overflow_services" json:"overflow_services"`
	SolicitedServices    []string         `yaml:"solicited_services" json:"solicited_services"`
	ManufacturerData     Bytes            `yaml:"manufacturer_data" json:"manufacturer_data"`
	ServiceData          map[string]Bytes `yaml:"service_data" json:"service_data"`
	TxPower              *int             `yaml:"tx_power" json:"tx_power"`
	Connectable          *bool            `yaml:"connectable" json:"connectable"`
	Interval             time.Duration    `yaml:"interval" json:"interval"`
	Delay                time.Duration    `yaml:"delay" json:"delay"`
	VisibleWhenConnected bool             `yaml:"visible_when_connected" json:"visible_when_connected"`
}

type Service struct {
	UUID            string           `yaml:"uuid" json:"uuid"`
	Secondary       bool             `yaml:"secondary" json:"secondary"`
	Includes        []string         `yaml:"includes" json:"includes"`
	Characteristics []Characteristic `yaml:"characteristics" json:"characteristics"`
}

type Characteristic struct {
	UUID        string       `yaml:"uuid" json:"uuid"`
	Properties  string       `yaml:"properties" json:"properties"`
	Value       Bytes        `yaml:"value" json:"value"`
	Descriptors []Descriptor `yaml:"descriptors" json:"descriptors"`
}

type Descriptor struct {
	UUID  string `yaml:"uuid" json:"uuid"`
	Value Bytes  `yaml:"value" json:"value"`
}

// HandlerFactory creates the request handler of a scripted peripheral.
type HandlerFactory func(name, script string) (peripheral.RequestHandler, error)

// Options controls how a scenario becomes specifications.
type Options struct {
	// Config supplies the default connection interval and MTU.
	Config *config.Config
	// Handlers builds handlers for devices with a script. Scripted devices
	// are rejected when nil.
	Handlers HandlerFactory
	// BaseDir resolves relative script files.
	BaseDir string
	Logger  *logrus.Logger
}

// Load reads a scenario file and builds its peripherals.
func Load(path string, opts Options) ([]*peripheral.Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Dir(path)
	}
	specs, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return specs, nil
}

// Parse decodes YAML or JSON scenario data and builds its peripherals.
func Parse(data []byte, opts Options) ([]*peripheral.Specification, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	return f.Build(opts)
}

// Build creates one specification per device, in file order.
func (f *File) Build(opts Options) ([]*peripheral.Specification, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}

	specs := make([]*peripheral.Specification, 0, len(f.Peripherals))
	for i := range f.Peripherals {
		d := &f.Peripherals[i]
		spec, err := d.Build(opts)
		if err != nil {
			return nil, fmt.Errorf("peripheral %d (%s): %w", i, d.Name, err)
		}
		specs = append(specs, spec)

		if opts.Logger != nil {
			opts.Logger.WithFields(logrus.Fields{
				"peripheral": spec.Identifier(),
				"name":       d.Name,
				"services":   len(d.Services),
				"packets":    len(d.Advertisements),
			}).Debug("Scenario peripheral loaded")
		}
	}
	return specs, nil
}

// IsConnectable applies the connectable default.
func (d *Device) IsConnectable() bool {
	if d.Connectable != nil {
		return *d.Connectable
	}
	return len(d.Services) > 0 || d.Script != "" || d.ScriptFile != ""
}

// Build creates the specification of d.
func (d *Device) Build(opts Options) (*peripheral.Specification, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	b := peripheral.NewBuilder()

	if d.Identifier != "" {
		id, err := uuid.Parse(d.Identifier)
		if err != nil {
			return nil, fmt.Errorf("invalid identifier: %w", err)
		}
		b.WithIdentifier(id)
	}
	if d.Proximity != "" {
		prox, err := peripheral.ParseProximity(d.Proximity)
		if err != nil {
			return nil, err
		}
		b.WithProximity(prox)
	}

	connectable := d.IsConnectable()
	for i := range d.Advertisements {
		ad, err := d.Advertisements[i].build(connectable)
		if err != nil {
			return nil, fmt.Errorf("advertisement %d: %w", i, err)
		}
		b.Advertising(ad)
	}

	if connectable {
		services, err := buildServices(d.Services)
		if err != nil {
			return nil, err
		}
		handler, err := d.handler(opts)
		if err != nil {
			return nil, err
		}

		interval := d.ConnectionInterval
		if interval <= 0 {
			interval = opts.Config.Simulation.ConnectionInterval
		}
		mtu := d.MTU
		if mtu == 0 {
			mtu = opts.Config.Simulation.DefaultMTU
		}
		b.Connectable(d.Name, services, handler,
			peripheral.WithConnectionInterval(interval),
			peripheral.WithMTU(mtu))
	}

	if d.Known {
		b.Known()
	}
	if d.Connected {
		b.Connected()
	}
	return b.Build()
}

func (d *Device) handler(opts Options) (peripheral.RequestHandler, error) {
	script := d.Script
	if script == "" && d.ScriptFile != "" {
		path := d.ScriptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(opts.BaseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read script: %w", err)
		}
		script = string(data)
	}
	if script == "" {
		return nil, nil
	}
	if opts.Handlers == nil {
		return nil, fmt.Errorf("scripted peripheral %q: %w", d.Name, device.ErrUnsupported)
	}
	return opts.Handlers(d.Name, script)
}

func (a *Advertisement) build(deviceConnectable bool) (*peripheral.Advertisement, error) {
	services, err := device.ParseUUIDs(a.Services...)
	if err != nil {
		return nil, err
	}
	overflow, err := device.ParseUUIDs(a.OverflowServices...)
	if err != nil {
		return nil, err
	}
	solicited, err := device.ParseUUIDs(a.SolicitedServices...)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(a.ServiceData))
	for k := range a.ServiceData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var serviceData []ble.ServiceData
	for _, k := range keys {
		u, err := device.ParseUUID(k)
		if err != nil {
			return nil, err
		}
		serviceData = append(serviceData, ble.ServiceData{UUID: u, Data: a.ServiceData[k]})
	}

	connectable := deviceConnectable
	if a.Connectable != nil {
		connectable = *a.Connectable
	}

	data := &device.AdvertisementData{
		LocalName:             a.LocalName,
		ServiceUUIDs:          services,
		OverflowServiceUUIDs:  overflow,
		SolicitedServiceUUIDs: solicited,
		ManufacturerData:      a.ManufacturerData,
		ServiceData:           serviceData,
		TxPowerLevel:          a.TxPower,
		IsConnectable:         connectable,
	}
	ad := peripheral.NewAdvertisement(data, a.Interval).WithDelay(a.Delay)
	if a.VisibleWhenConnected {
		ad.VisibleWhileConnected()
	}
	return ad, nil
}

// buildServices creates the authored tree. Includes refer to other services
// of the same device by UUID.
func buildServices(in []Service) ([]*gatt.Service, error) {
	byUUID := make(map[string]*gatt.Service, len(in))
	out := make([]*gatt.Service, 0, len(in))

	for i := range in {
		s := &in[i]
		u, err := device.ParseUUID(s.UUID)
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}

		chars := make([]*gatt.Characteristic, 0, len(s.Characteristics))
		for j := range s.Characteristics {
			c, err := s.Characteristics[j].build()
			if err != nil {
				return nil, fmt.Errorf("service %s: characteristic %d: %w", s.UUID, j, err)
			}
			chars = append(chars, c)
		}

		var svc *gatt.Service
		if s.Secondary {
			svc = gatt.NewSecondaryService(u, chars...)
		} else {
			svc = gatt.NewService(u, chars...)
		}
		byUUID[device.UUIDString(u)] = svc
		out = append(out, svc)
	}

	for i := range in {
		for _, inc := range in[i].Includes {
			u, err := device.ParseUUID(inc)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", in[i].UUID, err)
			}
			target, ok := byUUID[device.UUIDString(u)]
			if !ok {
				return nil, &device.NotFoundError{Resource: "included service", UUIDs: []string{inc}}
			}
			out[i].Include(target)
		}
	}
	return out, nil
}

func (c *Characteristic) build() (*gatt.Characteristic, error) {
	u, err := device.ParseUUID(c.UUID)
	if err != nil {
		return nil, err
	}
	props, err := gatt.ParseProperties(c.Properties)
	if err != nil {
		return nil, err
	}

	var descs []*gatt.Descriptor
	hasCCCD := false
	for _, d := range c.Descriptors {
		du, err := device.ParseUUID(d.UUID)
		if err != nil {
			return nil, err
		}
		hasCCCD = hasCCCD || du.Equal(gatt.DescriptorClientConfig)
		descs = append(descs, gatt.NewDescriptor(du, d.Value))
	}
	if !hasCCCD && props&(ble.CharNotify|ble.CharIndicate) != 0 {
		descs = append(descs, gatt.NewDescriptor(gatt.DescriptorClientConfig, []byte{0, 0}))
	}
	return gatt.NewCharacteristic(u, props, c.Value, descs...), nil
}
