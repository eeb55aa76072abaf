// Package matcher runs the dispatch loop: find eligible drivers for a
// pending ride, offer it, and assign the first driver to accept.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type OutcomeKind string

const (
	Assigned        OutcomeKind = "assigned"
	Exhausted       OutcomeKind = "exhausted"
	AlreadyResolved OutcomeKind = "already_resolved"
)

// Outcome is the result of one dispatch. Ride is the last snapshot the
// dispatcher observed.
type Outcome struct {
	Kind     OutcomeKind
	DriverID string
	Ride     models.RideRequest
}

// Offers opens offer rounds and remembers who passed on a ride.
// *dispatch.Broker implements it.
type Offers interface {
	Open(ctx context.Context, rideID string, offers []models.Offer) (*dispatch.Round, error)
	Ineligible(rideID string) map[string]bool
}

// BusyFilter reports drivers already on a ride. *BusyDrivers implements it.
type BusyFilter interface {
	Busy(driverID string) bool
}

type Service struct {
	Store   storage.RideStore
	Drivers geo.Availability
	Offers  Offers
	Ranker  Ranker     // defaults to Proximity
	Busy    BusyFilter // optional; nil offers to every online driver
	Logger  *slog.Logger

	OfferTimeout  time.Duration // default 20s
	Fanout        int           // drivers offered at once, default 1
	WriteAttempts int           // conditional write attempts on transient errors, default 3
	Backoff       time.Duration // first retry delay, doubled each attempt
}

func (s *Service) offerTimeout() time.Duration {
	if s.OfferTimeout <= 0 {
		return 20 * time.Second
	}
	return s.OfferTimeout
}

func (s *Service) fanout() int {
	if s.Fanout <= 0 {
		return 1
	}
	return s.Fanout
}

func (s *Service) ranker() Ranker {
	if s.Ranker == nil {
		return Proximity{}
	}
	return s.Ranker
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Dispatch offers a PENDING ride to eligible drivers until one accepts or
// the pool runs out. It is safe to call more than once for the same ride:
// a ride that is no longer PENDING yields AlreadyResolved without writes.
func (s *Service) Dispatch(ctx context.Context, rideID string) (Outcome, error) {
	start := time.Now()
	out, err := s.dispatch(ctx, rideID)
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.DispatchOutcomes.WithLabelValues("error").Inc()
		s.logger().Error("dispatch failed", "ride_id", rideID, "error", err)
		return out, err
	}
	observability.DispatchOutcomes.WithLabelValues(string(out.Kind)).Inc()
	s.logger().Info("dispatch finished", "ride_id", rideID, "outcome", out.Kind, "driver_id", out.DriverID, "status", out.Ride.Status)
	return out, nil
}

func (s *Service) dispatch(ctx context.Context, rideID string) (Outcome, error) {
	// drivers who declined or timed out in an earlier run stay excluded;
	// the rest of the map only lives for this run
	ineligible := s.Offers.Ineligible(rideID)
	for {
		var ride models.RideRequest
		err := retry(ctx, s.WriteAttempts, s.Backoff, "read", func() error {
			var err error
			ride, err = s.Store.Get(ctx, rideID)
			return err
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("dispatch %s: %w", rideID, err)
		}
		if ride.Status != models.StatusPending {
			return resolved(ride), nil
		}

		drivers, err := s.Drivers.OnlineInCells(ctx, ride.CandidateCells)
		if err != nil {
			return Outcome{}, fmt.Errorf("dispatch %s: candidates: %w", rideID, err)
		}
		pool := make([]models.DriverAvailability, 0, len(drivers))
		for _, d := range drivers {
			if ineligible[d.DriverID] || (s.Busy != nil && s.Busy.Busy(d.DriverID)) {
				continue
			}
			pool = append(pool, d)
		}
		if len(pool) == 0 {
			return s.exhaust(ctx, ride)
		}

		ranked := s.ranker().Rank(ctx, ride.Pickup, pool)
		if len(ranked) > s.fanout() {
			ranked = ranked[:s.fanout()]
		}
		out, done, err := s.offerRound(ctx, ride, ranked, ineligible)
		if err != nil || done {
			return out, err
		}
	}
}

// offerRound offers ride to picks and waits for a verdict. done is false
// when every offer was declined, expired or undeliverable and the caller
// should move on to the next candidates.
func (s *Service) offerRound(ctx context.Context, ride models.RideRequest, picks []Candidate, ineligible map[string]bool) (Outcome, bool, error) {
	expires := time.Now().Add(s.offerTimeout())
	offers := make([]models.Offer, 0, len(picks))
	for _, c := range picks {
		// offered once per run, whatever the answer
		ineligible[c.Driver.DriverID] = true
		offers = append(offers, models.Offer{
			ID:                 uuid.NewString(),
			Type:               models.OfferMessageType,
			RideID:             ride.ID,
			DriverID:           c.Driver.DriverID,
			Pickup:             ride.Pickup,
			Dropoff:            ride.Dropoff,
			EstimatedFare:      ride.EstimatedFare,
			DistanceToPickupKm: c.DistanceKm,
			ExpiresAt:          expires,
		})
	}

	round, err := s.Offers.Open(ctx, ride.ID, offers)
	if err != nil {
		return Outcome{}, true, fmt.Errorf("dispatch %s: %w", ride.ID, err)
	}
	defer round.Close()
	waiting := len(round.Delivered())
	if waiting == 0 {
		return Outcome{}, false, nil
	}

	timer := time.NewTimer(time.Until(expires))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, true, ctx.Err()
		case <-timer.C:
			round.Exclude(round.Unanswered()...)
			observability.OffersTotal.WithLabelValues("expired").Add(float64(waiting))
			s.logger().Info("offer expired", "ride_id", ride.ID, "pending", waiting)
			return Outcome{}, false, nil
		case resp := <-round.Responses():
			if !resp.Accept {
				observability.OffersTotal.WithLabelValues("declined").Inc()
				round.Exclude(resp.DriverID)
				resp.Reply(nil)
				waiting--
				if waiting == 0 {
					return Outcome{}, false, nil
				}
				continue
			}
			observability.OffersTotal.WithLabelValues("accepted").Inc()
			cur, err := s.assign(ctx, ride.ID, resp.DriverID)
			switch {
			case err == nil:
				resp.Reply(nil)
				return Outcome{Kind: Assigned, DriverID: resp.DriverID, Ride: cur}, true, nil
			case errors.Is(err, models.ErrConditionFailed):
				observability.RacesLost.Inc()
				resp.Reply(models.ErrRaceLost)
				return resolved(cur), true, nil
			default:
				resp.Reply(err)
				return Outcome{}, true, fmt.Errorf("dispatch %s: assign %s: %w", ride.ID, resp.DriverID, err)
			}
		}
	}
}

// assign retries the conditional write with the same driver while the
// store reports transient failures.
func (s *Service) assign(ctx context.Context, rideID, driverID string) (models.RideRequest, error) {
	var cur models.RideRequest
	err := retry(ctx, s.WriteAttempts, s.Backoff, "assign", func() error {
		var err error
		cur, err = s.Store.AssignDriver(ctx, rideID, driverID)
		return err
	})
	return cur, err
}

func (s *Service) exhaust(ctx context.Context, ride models.RideRequest) (Outcome, error) {
	var cur models.RideRequest
	err := retry(ctx, s.WriteAttempts, s.Backoff, "exhaust", func() error {
		var err error
		cur, err = s.Store.MarkNoDrivers(ctx, ride.ID)
		return err
	})
	switch {
	case err == nil:
		return Outcome{Kind: Exhausted, Ride: cur}, nil
	case errors.Is(err, models.ErrConditionFailed):
		return resolved(cur), nil
	default:
		return Outcome{}, fmt.Errorf("dispatch %s: mark no drivers: %w", ride.ID, err)
	}
}

func resolved(r models.RideRequest) Outcome {
	return Outcome{Kind: AlreadyResolved, DriverID: r.DriverID, Ride: r}
}

// retry runs fn until it succeeds, returns a non-transient error, or
// attempts run out, sleeping with exponential backoff between tries.
func retry(ctx context.Context, attempts int, delay time.Duration, stage string, fn func() error) error {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !storage.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		observability.DispatchRetries.WithLabelValues(stage).Inc()
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
