package matcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
)

// BusyDrivers tracks which drivers hold an unfinished ride, following the
// change feed. A driver is busy from ACCEPTED until the ride reaches a
// terminal status. State is in memory and starts empty on restart.
type BusyDrivers struct {
	Logger *slog.Logger

	mu    sync.Mutex
	rides map[string]string // driver id -> ride id
}

func NewBusyDrivers(logger *slog.Logger) *BusyDrivers {
	return &BusyDrivers{Logger: logger, rides: make(map[string]string)}
}

func (b *BusyDrivers) Run(ctx context.Context, src changefeed.Source) error {
	return changefeed.Consume(ctx, src, models.Filter{}, b.Logger, "busy-drivers", b.Handle)
}

func (b *BusyDrivers) Handle(_ context.Context, ev models.ChangeEvent) {
	ride := ev.Ride
	if ride.DriverID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case ride.Status.Terminal():
		// a stale event for an older ride must not free the driver
		if b.rides[ride.DriverID] == ride.ID {
			delete(b.rides, ride.DriverID)
		}
	case ride.Status.HasDriver():
		b.rides[ride.DriverID] = ride.ID
	}
}

// Busy reports whether driverID is on a ride that has not ended.
func (b *BusyDrivers) Busy(driverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rides[driverID]
	return ok
}
