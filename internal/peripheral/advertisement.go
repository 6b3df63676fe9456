package peripheral

import (
	"time"

	"github.com/google/uuid"
	"github.com/srg/blesim/internal/device"
)

// Advertisement is one advertising packet a peripheral broadcasts.
type Advertisement struct {
	ID   uuid.UUID
	Data *device.AdvertisementData
	// Interval between packets; zero broadcasts the packet once.
	Interval time.Duration
	// Delay before the first packet after a scan starts.
	Delay time.Duration
	// VisibleWhenConnected keeps the packet on air while the peripheral has
	// an active connection.
	VisibleWhenConnected bool
}

// NewAdvertisement creates a packet broadcast every interval.
func NewAdvertisement(data *device.AdvertisementData, interval time.Duration) *Advertisement {
	if data == nil {
		data = &device.AdvertisementData{}
	}
	return &Advertisement{ID: uuid.New(), Data: data, Interval: interval}
}

// WithDelay sets the initial delay and returns a.
func (a *Advertisement) WithDelay(d time.Duration) *Advertisement {
	a.Delay = d
	return a
}

// VisibleWhileConnected keeps a on air during connections and returns a.
func (a *Advertisement) VisibleWhileConnected() *Advertisement {
	a.VisibleWhenConnected = true
	return a
}

// IsOneShot reports whether the packet is broadcast a single time.
func (a *Advertisement) IsOneShot() bool {
	return a.Interval <= 0
}
