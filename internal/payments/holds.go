// Package payments holds the estimated fare when a ride is accepted and
// settles it when the ride ends.
package payments

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Gateway is the card processor. *StripeClient implements it.
type Gateway interface {
	Hold(ctx context.Context, idempotencyKey string, amount int64, currency string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// FareHolds follows the change feed: hold on ACCEPTED, capture on
// COMPLETED, release on CANCELLED. Intent ids live in memory only, so a
// restart between accept and completion leaves the hold to expire on the
// processor side.
type FareHolds struct {
	Gateway  Gateway
	Currency string
	Logger   *slog.Logger

	mu      sync.Mutex
	intents map[string]string
}

func (f *FareHolds) Run(ctx context.Context, src changefeed.Source) error {
	return changefeed.Consume(ctx, src, models.Filter{}, f.Logger, "fare-holds", f.Handle)
}

func (f *FareHolds) Handle(ctx context.Context, ev models.ChangeEvent) {
	ride := ev.Ride
	if ride.Status == ev.OldStatus {
		return
	}
	switch ride.Status {
	case models.StatusAccepted:
		f.hold(ctx, ride)
	case models.StatusCompleted:
		if id, ok := f.take(ride.ID); ok {
			f.record("capture", ride.ID, id, f.Gateway.Capture(ctx, id))
		}
	case models.StatusCancelled:
		if id, ok := f.take(ride.ID); ok {
			f.record("cancel", ride.ID, id, f.Gateway.Cancel(ctx, id))
		}
	}
}

func (f *FareHolds) hold(ctx context.Context, ride models.RideRequest) {
	currency := strings.ToLower(f.Currency)
	if currency == "" {
		currency = "usd"
	}
	amount := int64(math.Round(ride.EstimatedFare * 100))
	if amount <= 0 {
		return
	}
	id, err := f.Gateway.Hold(ctx, "ride-hold-"+ride.ID, amount, currency)
	f.record("hold", ride.ID, id, err)
	if err != nil {
		return
	}
	f.mu.Lock()
	if f.intents == nil {
		f.intents = make(map[string]string)
	}
	f.intents[ride.ID] = id
	f.mu.Unlock()
}

func (f *FareHolds) take(rideID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.intents[rideID]
	delete(f.intents, rideID)
	return id, ok
}

// Intent returns the held PaymentIntent id for a ride, if any.
func (f *FareHolds) Intent(rideID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.intents[rideID]
	return id, ok
}

func (f *FareHolds) record(action, rideID, intentID string, err error) {
	if err != nil {
		observability.FareHolds.WithLabelValues(action, "error").Inc()
		f.Logger.Error("fare "+action+" failed", "ride_id", rideID, "payment_intent", intentID, "error", err)
		return
	}
	observability.FareHolds.WithLabelValues(action, "ok").Inc()
	f.Logger.Info("fare "+action, "ride_id", rideID, "payment_intent", intentID)
}
