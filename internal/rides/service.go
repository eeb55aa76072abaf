// Package rides owns the ride lifecycle outside of dispatch: creation,
// driver progress updates and cancellation.
package rides

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// CellIndexer computes a ride's candidate search area.
type CellIndexer interface {
	CandidateCells(p models.Point) ([]string, error)
}

// Trigger starts dispatch for a freshly stored ride without waiting on it.
type Trigger interface {
	Fire(rideID string)
}

type Service struct {
	Store   storage.RideStore
	Cells   CellIndexer
	Fares   *pricing.Calculator
	Trigger Trigger
	Logger  *slog.Logger
}

// Create validates the request, computes the candidate cells and fare, stores
// the ride as PENDING and fires dispatch. A nil error does not mean a driver
// will be found; callers watch the ride's status for that.
func (s *Service) Create(ctx context.Context, passengerID string, in models.CreateRideInput) (models.RideRequest, error) {
	if strings.TrimSpace(passengerID) == "" {
		return models.RideRequest{}, fmt.Errorf("create ride: %w", models.ErrForbidden)
	}
	if err := in.Validate(); err != nil {
		return models.RideRequest{}, err
	}
	cells, err := s.Cells.CandidateCells(in.Pickup)
	if err != nil {
		return models.RideRequest{}, err
	}
	fare := s.Fares.Estimate(in.Pickup, in.Dropoff)
	if in.EstimatedFare != nil {
		fare = *in.EstimatedFare
	}
	ride := &models.RideRequest{
		ID:             uuid.NewString(),
		PassengerID:    passengerID,
		Pickup:         in.Pickup,
		Dropoff:        in.Dropoff,
		CandidateCells: cells,
		Status:         models.StatusPending,
		EstimatedFare:  fare,
	}
	if err := s.Store.Create(ctx, ride); err != nil {
		return models.RideRequest{}, err
	}
	observability.RidesCreated.Inc()
	s.Logger.Info("ride created", "ride_id", ride.ID, "passenger_id", passengerID, "fare", fare, "cells", len(cells))
	if s.Trigger != nil {
		s.Trigger.Fire(ride.ID)
	}
	return *ride, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (models.RideRequest, error) {
	return s.Store.Get(ctx, rideID)
}

// Cancel lets the passenger or the assigned driver cancel. It is a direct
// write and may race an in-flight dispatch, which then resolves on its next
// read or conditional write.
func (s *Service) Cancel(ctx context.Context, rideID, callerID string) (models.RideRequest, error) {
	cur, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if callerID != cur.PassengerID && (cur.DriverID == "" || callerID != cur.DriverID) {
		return models.RideRequest{}, fmt.Errorf("cancel ride %s: %w", rideID, models.ErrForbidden)
	}
	r, err := s.Store.Cancel(ctx, rideID)
	if err != nil {
		return r, err
	}
	s.Logger.Info("ride cancelled", "ride_id", rideID, "by", callerID, "driver_id", r.DriverID)
	return r, nil
}

// Advance moves an assigned ride through ARRIVED, IN_PROGRESS and COMPLETED.
func (s *Service) Advance(ctx context.Context, rideID, driverID string, next models.Status) (models.RideRequest, error) {
	if !next.Valid() {
		return models.RideRequest{}, fmt.Errorf("status %q: %w", next, models.ErrInvalidTransition)
	}
	r, err := s.Store.UpdateStatus(ctx, rideID, driverID, next)
	if err != nil {
		return r, err
	}
	s.Logger.Info("ride advanced", "ride_id", rideID, "driver_id", driverID, "status", next)
	return r, nil
}
