package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the ride record table. AssignDriver and MarkNoDrivers are
// conditional writes; they commit only while the ride is still PENDING.
type RideStore interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (models.RideRequest, error)
	AssignDriver(ctx context.Context, rideID, driverID string) (models.RideRequest, error)
	MarkNoDrivers(ctx context.Context, rideID string) (models.RideRequest, error)
	UpdateStatus(ctx context.Context, rideID, driverID string, next models.Status) (models.RideRequest, error)
	Cancel(ctx context.Context, rideID string) (models.RideRequest, error)
}

// Publisher receives every committed write in commit order.
type Publisher interface {
	Publish(ev models.ChangeEvent)
}

var ErrDuplicateRide = errors.New("ride already exists")

// TransientError marks a backend failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
	feed  Publisher
	now   func() time.Time
}

// NewMemoryStore returns a store that publishes committed writes to feed
// while still holding its lock, so subscribers see commit order. feed may
// be nil.
func NewMemoryStore(feed Publisher) *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideRequest), feed: feed, now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("create ride %s: %w", r.ID, ErrDuplicateRide)
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt, r.Version = now, now, 1
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create ride: %w", err)
	}
	stored := r.Clone()
	m.rides[r.ID] = &stored
	m.publish(models.EventInsert, "", stored)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRequest{}, models.ErrRideNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) AssignDriver(_ context.Context, rideID, driverID string) (models.RideRequest, error) {
	return m.write(rideID, func(r *models.RideRequest) error {
		if r.Status != models.StatusPending || r.DriverID != "" {
			return models.ErrConditionFailed
		}
		r.DriverID = driverID
		r.Status = models.StatusAccepted
		return nil
	})
}

func (m *MemoryStore) MarkNoDrivers(_ context.Context, rideID string) (models.RideRequest, error) {
	return m.write(rideID, func(r *models.RideRequest) error {
		if r.Status != models.StatusPending {
			return models.ErrConditionFailed
		}
		r.Status = models.StatusNoDriversAvailable
		return nil
	})
}

func (m *MemoryStore) UpdateStatus(_ context.Context, rideID, driverID string, next models.Status) (models.RideRequest, error) {
	prev, ok := next.Predecessor()
	if !ok {
		return models.RideRequest{}, fmt.Errorf("update ride %s to %s: %w", rideID, next, models.ErrInvalidTransition)
	}
	return m.write(rideID, func(r *models.RideRequest) error {
		if r.DriverID != driverID {
			return models.ErrForbidden
		}
		if r.Status != prev {
			return fmt.Errorf("%s -> %s: %w", r.Status, next, models.ErrInvalidTransition)
		}
		r.Status = next
		return nil
	})
}

func (m *MemoryStore) Cancel(_ context.Context, rideID string) (models.RideRequest, error) {
	return m.write(rideID, func(r *models.RideRequest) error {
		if !r.Status.Cancellable() {
			return fmt.Errorf("%s -> %s: %w", r.Status, models.StatusCancelled, models.ErrInvalidTransition)
		}
		r.Status = models.StatusCancelled
		return nil
	})
}

// write applies fn to a copy of the ride and commits it only if fn succeeds.
func (m *MemoryStore) write(rideID string, fn func(r *models.RideRequest) error) (models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[rideID]
	if !ok {
		return models.RideRequest{}, models.ErrRideNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	oldStatus := cur.Status
	next.UpdatedAt = m.now()
	next.Version = cur.Version + 1
	*cur = next
	m.publish(models.EventUpdate, oldStatus, next)
	return next.Clone(), nil
}

func (m *MemoryStore) publish(t models.EventType, old models.Status, r models.RideRequest) {
	if m.feed == nil {
		return
	}
	m.feed.Publish(models.ChangeEvent{Type: t, OldStatus: old, Ride: r.Clone()})
}
