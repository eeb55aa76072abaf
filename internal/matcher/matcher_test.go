package matcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type answer int

const (
	accept answer = iota
	decline
	ignore
	unreachable
)

// scriptedSender answers each offer through the broker the way the named
// driver's app would.
type scriptedSender struct {
	broker  *dispatch.Broker
	answers map[string]answer
	before  func(o models.Offer) // runs before the answer is sent

	mu      sync.Mutex
	sent    []string
	results map[string]error
	wg      sync.WaitGroup
}

func (f *scriptedSender) SendOffer(_ context.Context, o models.Offer) error {
	f.mu.Lock()
	f.sent = append(f.sent, o.DriverID)
	f.mu.Unlock()
	a := f.answers[o.DriverID]
	switch a {
	case unreachable:
		return dispatch.ErrNoSession
	case ignore:
		return nil
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if f.before != nil {
			f.before(o)
		}
		err := f.broker.Respond(context.Background(), o.RideID, o.DriverID, a == accept)
		f.mu.Lock()
		f.results[o.DriverID] = err
		f.mu.Unlock()
	}()
	return nil
}

func (f *scriptedSender) offered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeDrivers struct {
	drivers []models.DriverAvailability
	err     error
}

func (f *fakeDrivers) Upsert(context.Context, models.DriverAvailability) error { return nil }

func (f *fakeDrivers) OnlineInCells(context.Context, []string) ([]models.DriverAvailability, error) {
	return append([]models.DriverAvailability(nil), f.drivers...), f.err
}

// flakyDrivers fails OnlineInCells on the listed calls, counting from 1.
type flakyDrivers struct {
	fakeDrivers
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (f *flakyDrivers) OnlineInCells(ctx context.Context, cells []string) ([]models.DriverAvailability, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failOn[f.calls]
	f.mu.Unlock()
	if fail {
		return nil, &storage.TransientError{Op: "drivers", Err: errors.New("connection reset")}
	}
	return f.fakeDrivers.OnlineInCells(ctx, cells)
}

// flakyStore fails AssignDriver with a transient error a fixed number of times.
type flakyStore struct {
	*storage.MemoryStore
	mu        sync.Mutex
	failures  int
	assignCnt int
}

func (f *flakyStore) AssignDriver(ctx context.Context, rideID, driverID string) (models.RideRequest, error) {
	f.mu.Lock()
	f.assignCnt++
	fail := f.assignCnt <= f.failures
	f.mu.Unlock()
	if fail {
		return models.RideRequest{}, &storage.TransientError{Op: "assign", Err: errors.New("connection reset")}
	}
	return f.MemoryStore.AssignDriver(ctx, rideID, driverID)
}

var pickup = models.Point{Lat: 36.75, Lng: 3.05}

// driver returns an online driver roughly km kilometres north of the pickup.
func driver(id string, km float64) models.DriverAvailability {
	return models.DriverAvailability{
		DriverID:  id,
		Online:    true,
		Location:  models.Point{Lat: pickup.Lat + km/111.0, Lng: pickup.Lng},
		Rating:    4.5,
		UpdatedAt: time.Now(),
	}
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	feed   *changefeed.Broker
	sender *scriptedSender
	ride   models.RideRequest
}

func newFixture(t *testing.T, answers map[string]answer, drivers ...models.DriverAvailability) *fixture {
	t.Helper()
	feed := changefeed.NewBroker(64)
	store := storage.NewMemoryStore(feed)
	sender := &scriptedSender{answers: answers, results: make(map[string]error)}
	broker := dispatch.NewBroker(sender, nil)
	sender.broker = broker
	ride := &models.RideRequest{
		ID:             "ride-1",
		PassengerID:    "p1",
		Pickup:         pickup,
		Dropoff:        models.Point{Lat: 36.80, Lng: 3.10},
		CandidateCells: []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6"},
		Status:         models.StatusPending,
		EstimatedFare:  430,
	}
	if err := store.Create(context.Background(), ride); err != nil {
		t.Fatalf("create: %v", err)
	}
	svc := &Service{
		Store:        store,
		Drivers:      &fakeDrivers{drivers: drivers},
		Offers:       broker,
		OfferTimeout: time.Second,
		Backoff:      time.Millisecond,
	}
	return &fixture{svc: svc, store: store, feed: feed, sender: sender, ride: *ride}
}

func (f *fixture) current(t *testing.T) models.RideRequest {
	t.Helper()
	r, err := f.store.Get(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return r
}

func TestNoDriversExhausts(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Kind != Exhausted {
		t.Fatalf("expected Exhausted, got %s", out.Kind)
	}
	if st := f.current(t).Status; st != models.StatusNoDriversAvailable {
		t.Fatalf("expected NO_DRIVERS_AVAILABLE, got %s", st)
	}
}

func TestSingleAcceptPublishesOneAcceptedSnapshot(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": accept}, driver("d1", 0.3))
	sub, err := f.feed.Subscribe(context.Background(), models.Filter{Field: models.FieldPassengerID, Value: "p1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Kind != Assigned || out.DriverID != "d1" {
		t.Fatalf("expected Assigned(d1), got %s(%s)", out.Kind, out.DriverID)
	}
	f.sender.wg.Wait()
	if err := f.sender.results["d1"]; err != nil {
		t.Fatalf("winning driver got %v", err)
	}
	_ = sub.Close()

	accepted := 0
	for ev := range sub.Events() {
		if ev.Ride.Status == models.StatusAccepted {
			accepted++
			if ev.Ride.DriverID != "d1" {
				t.Fatalf("snapshot has driver %q", ev.Ride.DriverID)
			}
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one ACCEPTED snapshot, got %d", accepted)
	}
}

func TestDeclineMovesToNextCandidate(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": decline, "d2": accept},
		driver("d2", 1.0), driver("d1", 0.2))
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.DriverID != "d2" {
		t.Fatalf("expected d2, got %q", out.DriverID)
	}
	if got := f.sender.offered(); !slices.Equal(got, []string{"d1", "d2"}) {
		t.Fatalf("expected nearest first, got %v", got)
	}
}

func TestTimeoutAndUndeliverableMoveOn(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": unreachable, "d2": ignore, "d3": accept},
		driver("d1", 0.1), driver("d2", 0.2), driver("d3", 0.3))
	f.svc.OfferTimeout = 30 * time.Millisecond
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Kind != Assigned || out.DriverID != "d3" {
		t.Fatalf("expected Assigned(d3), got %s(%s)", out.Kind, out.DriverID)
	}
}

func TestAllDeclineExhausts(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": decline, "d2": decline},
		driver("d1", 0.1), driver("d2", 0.2))
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Kind != Exhausted {
		t.Fatalf("expected Exhausted, got %s", out.Kind)
	}
	if len(f.sender.offered()) != 2 {
		t.Fatalf("each driver should be offered once, got %v", f.sender.offered())
	}
}

func TestDispatchIsIdempotentOnceAccepted(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": accept}, driver("d1", 0.3))
	if _, err := f.svc.Dispatch(context.Background(), f.ride.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	before := f.current(t)
	for i := 0; i < 2; i++ {
		out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
		if err != nil {
			t.Fatalf("redispatch: %v", err)
		}
		if out.Kind != AlreadyResolved {
			t.Fatalf("expected AlreadyResolved, got %s", out.Kind)
		}
	}
	after := f.current(t)
	if after.Version != before.Version || after.DriverID != "d1" {
		t.Fatalf("ride changed: %+v -> %+v", before, after)
	}
	if len(f.sender.offered()) != 1 {
		t.Fatalf("no new offers expected, got %v", f.sender.offered())
	}
}

func TestCancelMidRetryResolves(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": decline, "d2": accept},
		driver("d1", 0.1), driver("d2", 0.2))
	f.sender.before = func(o models.Offer) {
		if o.DriverID == "d1" {
			if _, err := f.store.Cancel(context.Background(), o.RideID); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
	}
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Kind != AlreadyResolved {
		t.Fatalf("expected AlreadyResolved, got %s", out.Kind)
	}
	if st := f.current(t).Status; st != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", st)
	}
	if got := f.sender.offered(); !slices.Equal(got, []string{"d1"}) {
		t.Fatalf("cancelled ride should not be offered again, got %v", got)
	}
}

func TestAcceptAfterCancelLosesRace(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": accept}, driver("d1", 0.1))
	f.sender.before = func(o models.Offer) {
		_, _ = f.store.Cancel(context.Background(), o.RideID)
	}
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.sender.wg.Wait()
	if out.Kind != AlreadyResolved {
		t.Fatalf("expected AlreadyResolved, got %s", out.Kind)
	}
	if !errors.Is(f.sender.results["d1"], models.ErrRaceLost) {
		t.Fatalf("expected ErrRaceLost for d1, got %v", f.sender.results["d1"])
	}
	if r := f.current(t); r.Status != models.StatusCancelled || r.DriverID != "" {
		t.Fatalf("unexpected ride %+v", r)
	}
}

func TestConcurrentAcceptsOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, map[string]answer{"d1": accept, "d2": accept},
			driver("d1", 0.1), driver("d2", 0.2))
		f.svc.Fanout = 2
		out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		f.sender.wg.Wait()
		if out.Kind != Assigned {
			t.Fatalf("expected Assigned, got %s", out.Kind)
		}
		winners, losers := 0, 0
		for id, err := range f.sender.results {
			switch {
			case err == nil:
				winners++
				if id != out.DriverID {
					t.Fatalf("winner %s but ride assigned to %s", id, out.DriverID)
				}
			case errors.Is(err, models.ErrRaceLost):
				losers++
			default:
				t.Fatalf("unexpected respond error %v", err)
			}
		}
		if winners != 1 || losers != 1 {
			t.Fatalf("expected 1 winner and 1 loser, got %d/%d", winners, losers)
		}
		if r := f.current(t); r.DriverID != out.DriverID || r.Status != models.StatusAccepted {
			t.Fatalf("unexpected ride %+v", r)
		}
	}
}

func TestTransientWriteRetriedWithSameDriver(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": accept, "d2": accept}, driver("d1", 0.1), driver("d2", 0.2))
	flaky := &flakyStore{MemoryStore: f.store, failures: 2}
	f.svc.Store = flaky
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.DriverID != "d1" || flaky.assignCnt != 3 {
		t.Fatalf("expected d1 after 3 attempts, got %q after %d", out.DriverID, flaky.assignCnt)
	}
	if got := f.sender.offered(); !slices.Equal(got, []string{"d1"}) {
		t.Fatalf("retry must not move to the next driver, got %v", got)
	}
}

func TestTransientWriteExhaustedLeavesRidePending(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": accept}, driver("d1", 0.1))
	f.svc.Store = &flakyStore{MemoryStore: f.store, failures: 10}
	_, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	f.sender.wg.Wait()
	if f.sender.results["d1"] == nil {
		t.Fatal("driver should see the failure")
	}
	if st := f.current(t).Status; st != models.StatusPending {
		t.Fatalf("expected PENDING, got %s", st)
	}
}

func TestCandidateCellsSurviveRetries(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": decline, "d2": ignore},
		driver("d1", 0.1), driver("d2", 0.2))
	f.svc.OfferTimeout = 20 * time.Millisecond
	if _, err := f.svc.Dispatch(context.Background(), f.ride.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := f.current(t).CandidateCells; !slices.Equal(got, f.ride.CandidateCells) {
		t.Fatalf("cells changed: %v -> %v", f.ride.CandidateCells, got)
	}
}

func TestAvailabilityErrorSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Drivers = &fakeDrivers{err: errors.New("redis down")}
	if _, err := f.svc.Dispatch(context.Background(), f.ride.ID); err == nil {
		t.Fatal("expected error")
	}
	if st := f.current(t).Status; st != models.StatusPending {
		t.Fatalf("expected PENDING, got %s", st)
	}
}

func TestRetriedDispatchSkipsDriversWhoPassed(t *testing.T) {
	cases := []struct {
		name   string
		first  answer
		expire time.Duration
	}{
		{"declined", decline, time.Second},
		{"timed out", ignore, 20 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, map[string]answer{"d1": tc.first, "d2": accept})
			f.svc.OfferTimeout = tc.expire
			// the lookup after d1's round fails once, ending the first run
			f.svc.Drivers = &flakyDrivers{
				fakeDrivers: fakeDrivers{drivers: []models.DriverAvailability{driver("d1", 0.1), driver("d2", 0.2)}},
				failOn:      map[int]bool{2: true},
			}
			tr := NewTrigger(context.Background(), f.svc, 3, time.Millisecond, nil)
			out, err := tr.Run(context.Background(), f.ride.ID)
			if err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if out.Kind != Assigned || out.DriverID != "d2" {
				t.Fatalf("expected d2 assigned, got %s %q", out.Kind, out.DriverID)
			}
			if got := f.sender.offered(); !slices.Equal(got, []string{"d1", "d2"}) {
				t.Fatalf("d1 must not be offered the ride again, got %v", got)
			}
		})
	}
}

func TestUnreachableDriverRetriedOnNextRun(t *testing.T) {
	f := newFixture(t, map[string]answer{"d1": unreachable})
	f.svc.Drivers = &flakyDrivers{
		fakeDrivers: fakeDrivers{drivers: []models.DriverAvailability{driver("d1", 0.1)}},
		failOn:      map[int]bool{2: true},
	}
	if _, err := f.svc.Dispatch(context.Background(), f.ride.ID); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	f.sender.answers["d1"] = accept
	out, err := f.svc.Dispatch(context.Background(), f.ride.ID)
	if err != nil || out.DriverID != "d1" {
		t.Fatalf("expected d1 once reachable, got %+v (%v)", out, err)
	}
}
