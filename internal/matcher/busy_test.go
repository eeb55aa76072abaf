package matcher

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
)

func rideEvent(id, driverID string, old, status models.Status) models.ChangeEvent {
	return models.ChangeEvent{
		Ride:      models.RideRequest{ID: id, PassengerID: "p1", DriverID: driverID, Status: status},
		OldStatus: old,
	}
}

func TestBusyDriversFollowRideLifecycle(t *testing.T) {
	b := NewBusyDrivers(nil)
	ctx := context.Background()

	b.Handle(ctx, rideEvent("r1", "d1", models.StatusPending, models.StatusAccepted))
	if !b.Busy("d1") {
		t.Fatal("accepted driver should be busy")
	}
	b.Handle(ctx, rideEvent("r1", "d1", models.StatusAccepted, models.StatusInProgress))
	if !b.Busy("d1") {
		t.Fatal("driver in progress should stay busy")
	}
	b.Handle(ctx, rideEvent("r0", "d1", models.StatusInProgress, models.StatusCompleted))
	if !b.Busy("d1") {
		t.Fatal("completion of another ride must not free the driver")
	}
	b.Handle(ctx, rideEvent("r1", "d1", models.StatusInProgress, models.StatusCompleted))
	if b.Busy("d1") {
		t.Fatal("driver should be free after completion")
	}

	b.Handle(ctx, rideEvent("r2", "d2", models.StatusPending, models.StatusAccepted))
	b.Handle(ctx, rideEvent("r2", "d2", models.StatusAccepted, models.StatusCancelled))
	if b.Busy("d2") {
		t.Fatal("driver should be free after cancellation")
	}
	b.Handle(ctx, rideEvent("r3", "", "", models.StatusPending))
	if b.Busy("") {
		t.Fatal("pending rides carry no driver")
	}
}

type busySet map[string]bool

func (b busySet) Busy(driverID string) bool { return b[driverID] }

func TestBusyDriverNotOffered(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": accept, "d2": accept},
		driver("d1", 0.1), driver("d2", 0.5))
	f.svc.Busy = busySet{"d1": true}
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Kind != Assigned || out.DriverID != "d2" {
		t.Fatalf("expected Assigned(d2), got %s(%s)", out.Kind, out.DriverID)
	}
	if got := f.sender.offered(); !slices.Equal(got, []string{"d2"}) {
		t.Fatalf("busy driver was offered the ride: %v", got)
	}
}

// readySource closes ready once the consumer's subscription is live.
type readySource struct {
	changefeed.Source
	ready chan struct{}
	once  sync.Once
}

func (r *readySource) Subscribe(ctx context.Context, f models.Filter) (changefeed.Stream, error) {
	s, err := r.Source.Subscribe(ctx, f)
	r.once.Do(func() { close(r.ready) })
	return s, err
}

func TestBusyDriversFedByChangeFeed(t *testing.T) {
	f := newFixture(t, nil)
	busy := NewBusyDrivers(slog.Default())
	src := &readySource{Source: f.feed, ready: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- busy.Run(ctx, src) }()
	defer func() {
		cancel()
		<-done
	}()
	<-src.ready

	if _, err := f.store.AssignDriver(context.Background(), f.ride.ID, "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !busy.Busy("d1") {
		if time.Now().After(deadline) {
			t.Fatal("driver never marked busy from the feed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
