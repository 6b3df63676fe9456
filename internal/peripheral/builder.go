package peripheral

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blesim/internal/gatt"
)

// ConnectableOption tunes the link parameters of a connectable peripheral.
type ConnectableOption func(*Builder)

// WithConnectionInterval sets the latency unit of every GATT exchange.
func WithConnectionInterval(d time.Duration) ConnectableOption {
	return func(b *Builder) { b.connectionInterval = d }
}

// WithMTU sets the ATT MTU; it is clamped to [MinMTU, MaxMTU].
func WithMTU(mtu int) ConnectableOption {
	return func(b *Builder) { b.mtu = mtu }
}

// Builder assembles a Specification.
//
// Example:
//
//	hrm := peripheral.NewBuilder().
//	    WithProximity(peripheral.ProximityNear).
//	    Advertising(peripheral.NewAdvertisement(&device.AdvertisementData{LocalName: "HRM"}, 100*time.Millisecond)).
//	    Connectable("Heart Rate Monitor", services, nil, peripheral.WithMTU(247)).
//	    MustBuild()
type Builder struct {
	identifier         uuid.UUID
	proximity          Proximity
	advertisements     []*Advertisement
	connectable        bool
	name               string
	services           []*gatt.Service
	handler            RequestHandler
	connectionInterval time.Duration
	mtu                int
	connected          bool
	known              bool
}

// NewBuilder starts a near, non-connectable peripheral with a random identifier.
func NewBuilder() *Builder {
	return &Builder{identifier: uuid.New(), proximity: ProximityNear}
}

func (b *Builder) WithIdentifier(id uuid.UUID) *Builder {
	b.identifier = id
	return b
}

func (b *Builder) WithProximity(p Proximity) *Builder {
	b.proximity = p
	return b
}

// Advertising appends advertising packets.
func (b *Builder) Advertising(ads ...*Advertisement) *Builder {
	b.advertisements = append(b.advertisements, ads...)
	return b
}

// Connectable makes the peripheral accept connections. A nil handler serves
// requests with BaseHandler.
func (b *Builder) Connectable(name string, services []*gatt.Service, handler RequestHandler, opts ...ConnectableOption) *Builder {
	b.connectable = true
	b.name = name
	b.services = services
	b.handler = handler
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connected starts the peripheral with one link held by another application.
func (b *Builder) Connected() *Builder {
	b.connected = true
	return b
}

// Known starts the peripheral as cached by the system.
func (b *Builder) Known() *Builder {
	b.known = true
	return b
}

// Build validates the configuration and creates the Specification.
func (b *Builder) Build() (*Specification, error) {
	if b.identifier == uuid.Nil {
		return nil, errors.New("peripheral identifier must not be nil")
	}
	if b.connected {
		if !b.connectable {
			return nil, fmt.Errorf("peripheral %s: only connectable peripherals can start connected", b.identifier)
		}
		if !b.proximity.InRange() {
			return nil, fmt.Errorf("peripheral %s: an out of range peripheral cannot start connected", b.identifier)
		}
	}

	p := &Specification{
		identifier:     b.identifier,
		proximity:      b.proximity,
		known:          b.known || b.connected,
		advertisements: append([]*Advertisement(nil), b.advertisements...),
		mtu:            MinMTU,
	}

	if b.connectable {
		p.connectable = true
		p.name = b.name
		p.services = gatt.NewTree(b.services...)
		p.handler = b.handler
		p.connectionInterval = b.connectionInterval
		if p.connectionInterval <= 0 {
			p.connectionInterval = DefaultConnectionInterval
		}
		p.mtu = ClampMTU(b.mtu)
	}
	if b.connected {
		p.virtualConnections = 1
	}
	return p, nil
}

// MustBuild is Build that panics on an invalid configuration.
func (b *Builder) MustBuild() *Specification {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// ClampMTU bounds mtu to [MinMTU, MaxMTU].
func ClampMTU(mtu int) int {
	switch {
	case mtu < MinMTU:
		return MinMTU
	case mtu > MaxMTU:
		return MaxMTU
	}
	return mtu
}
