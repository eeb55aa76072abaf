package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	// ErrNoActiveOffer is returned to a driver responding to a ride they
	// hold no open offer for.
	ErrNoActiveOffer = errors.New("no active offer for this driver")
	ErrRoundOpen     = errors.New("offer round already open for ride")
)

// Response is a driver's answer to an offer. The dispatcher must call Reply
// exactly once before closing the round.
type Response struct {
	DriverID string
	Accept   bool
	reply    chan error
}

func (r Response) Reply(err error) { r.reply <- err }

// Round is the set of offers open for one ride at a time. Responses from
// all offered drivers arrive on one channel in arrival order.
type Round struct {
	RideID    string
	broker    *Broker
	mu        sync.Mutex
	offers    map[string]models.Offer
	responded map[string]bool
	responses chan Response
	done      chan struct{}
	closeOnce sync.Once
	closedAt  time.Time
}

func (r *Round) offered(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.offers[driverID]
	return ok
}

// Delivered returns the offers that reached a device.
func (r *Round) Delivered() []models.Offer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Offer, 0, len(r.offers))
	for _, o := range r.offers {
		out = append(out, o)
	}
	return out
}

func (r *Round) hasResponded(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded[driverID]
}

func (r *Round) Responses() <-chan Response { return r.responses }

// Unanswered returns the drivers whose offer reached them but who have not
// answered.
func (r *Round) Unanswered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id := range r.offers {
		if !r.responded[id] {
			out = append(out, id)
		}
	}
	return out
}

// Exclude records that driverIDs passed on this ride. Later rounds for the
// same ride, including ones opened by a new dispatch run, skip them.
func (r *Round) Exclude(driverIDs ...string) {
	if len(driverIDs) == 0 {
		return
	}
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.passed[r.RideID]
	if p == nil {
		p = &passedDrivers{drivers: make(map[string]bool)}
		b.passed[r.RideID] = p
	}
	for _, id := range driverIDs {
		p.drivers[id] = true
	}
	p.touched = b.now()
}

// Close unregisters the round. Responses not yet replied to fail with
// models.ErrRaceLost.
func (r *Round) Close() {
	r.closeOnce.Do(func() {
		b := r.broker
		b.mu.Lock()
		if b.rounds[r.RideID] == r {
			delete(b.rounds, r.RideID)
		}
		r.closedAt = b.now()
		b.settled[r.RideID] = r
		b.mu.Unlock()
		close(r.done)
	})
}

// SettledRetention is how long a closed round is remembered so that late
// answers to it get models.ErrRaceLost instead of ErrNoActiveOffer.
const SettledRetention = 5 * time.Minute

// PassedRetention is how long a ride remembers the drivers who declined it
// or let its offer expire, counted from the last one.
const PassedRetention = 30 * time.Minute

type passedDrivers struct {
	drivers map[string]bool
	touched time.Time
}

// Broker routes driver responses to the dispatcher that opened the offer.
type Broker struct {
	mu      sync.Mutex
	rounds  map[string]*Round
	settled map[string]*Round
	passed  map[string]*passedDrivers
	sender  Sender
	logger  *slog.Logger
	now     func() time.Time
}

func NewBroker(sender Sender, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		rounds:  make(map[string]*Round),
		settled: make(map[string]*Round),
		passed:  make(map[string]*passedDrivers),
		sender:  sender,
		logger:  logger,
		now:     time.Now,
	}
}

// Open registers a round for rideID and delivers each offer. Offers that
// cannot be delivered are left out of the round; the caller treats those
// drivers as declined.
func (b *Broker) Open(ctx context.Context, rideID string, offers []models.Offer) (*Round, error) {
	r := &Round{
		RideID:    rideID,
		broker:    b,
		offers:    make(map[string]models.Offer, len(offers)),
		responded: make(map[string]bool),
		responses: make(chan Response, len(offers)),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	if _, ok := b.rounds[rideID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("ride %s: %w", rideID, ErrRoundOpen)
	}
	b.rounds[rideID] = r
	now := b.now()
	for id, old := range b.settled {
		if now.Sub(old.closedAt) > SettledRetention {
			delete(b.settled, id)
		}
	}
	for id, p := range b.passed {
		if now.Sub(p.touched) > PassedRetention {
			delete(b.passed, id)
		}
	}
	b.mu.Unlock()

	for _, o := range offers {
		// register before sending so a fast reply finds the offer
		r.mu.Lock()
		r.offers[o.DriverID] = o
		r.mu.Unlock()
		if err := b.sender.SendOffer(ctx, o); err != nil {
			r.mu.Lock()
			delete(r.offers, o.DriverID)
			r.mu.Unlock()
			observability.OffersTotal.WithLabelValues("undeliverable").Inc()
			b.logger.Warn("offer not delivered", "ride_id", rideID, "driver_id", o.DriverID, "error", err)
			continue
		}
		observability.OffersTotal.WithLabelValues("sent").Inc()
	}
	return r, nil
}

// Ineligible returns the drivers who already passed on rideID. The map is
// the caller's to modify.
func (b *Broker) Ineligible(rideID string) map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool)
	if p := b.passed[rideID]; p != nil {
		for id := range p.drivers {
			out[id] = true
		}
	}
	return out
}

// Respond hands a driver's answer to the open round and waits for the
// dispatcher's verdict. A losing accept returns models.ErrRaceLost.
func (b *Broker) Respond(ctx context.Context, rideID, driverID string, accept bool) error {
	b.mu.Lock()
	r := b.rounds[rideID]
	last := b.settled[rideID]
	b.mu.Unlock()
	if r == nil || !r.offered(driverID) {
		if last != nil && last.offered(driverID) && !last.hasResponded(driverID) {
			return models.ErrRaceLost
		}
		return ErrNoActiveOffer
	}
	r.mu.Lock()
	_, offered := r.offers[driverID]
	if !offered || r.responded[driverID] {
		r.mu.Unlock()
		return ErrNoActiveOffer
	}
	r.responded[driverID] = true
	r.mu.Unlock()

	resp := Response{DriverID: driverID, Accept: accept, reply: make(chan error, 1)}
	select {
	case r.responses <- resp:
	case <-r.done:
		return models.ErrRaceLost
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp.reply:
		return err
	case <-r.done:
		// the verdict may have been sent just before the round closed
		select {
		case err := <-resp.reply:
			return err
		default:
			return models.ErrRaceLost
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
