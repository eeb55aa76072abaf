package subscriber

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func snap(id string, st models.Status, version int64) models.RideRequest {
	return models.RideRequest{
		ID: id, PassengerID: "p1", Status: st, Version: version,
		Pickup: models.Point{Lat: 1, Lng: 1}, Dropoff: models.Point{Lat: 2, Lng: 2},
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	s := NewState()
	r := snap("r1", models.StatusPending, 1)
	if !s.Apply(r) || !s.Apply(r) {
		t.Fatal("duplicate snapshot should be accepted")
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected one ride, got %d", len(s.List()))
	}
}

func TestApplyDropsOlderSnapshot(t *testing.T) {
	s := NewState()
	s.Apply(snap("r1", models.StatusAccepted, 2))
	if s.Apply(snap("r1", models.StatusPending, 1)) {
		t.Fatal("older snapshot should be dropped")
	}
	got, _ := s.Get("r1")
	if got.Status != models.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", got.Status)
	}
	// unrelated rides may arrive in any order
	s.Apply(snap("r2", models.StatusPending, 1))
	if _, ok := s.Get("r2"); !ok {
		t.Fatal("r2 missing")
	}
}

func TestWatchFollowsRide(t *testing.T) {
	feed := changefeed.NewBroker(16)
	store := storage.NewMemoryStore(feed)
	st := NewState()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan models.RideRequest, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, feed, models.Filter{Field: models.FieldID, Value: "r1"}, st, func(r models.RideRequest) { seen <- r })
	}()
	time.Sleep(20 * time.Millisecond)

	r := snap("r1", models.StatusPending, 0)
	_ = store.Create(ctx, &r)
	other := snap("r2", models.StatusPending, 0)
	_ = store.Create(ctx, &other)
	_, _ = store.AssignDriver(ctx, "r1", "d1")

	for want := 2; want > 0; want-- {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for snapshots")
		}
	}
	got, _ := st.Get("r1")
	if got.Status != models.StatusAccepted || got.DriverID != "d1" {
		t.Fatalf("unexpected local state %+v", got)
	}
	if _, ok := st.Get("r2"); ok {
		t.Fatal("filtered ride leaked into state")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func TestWSSourceStreamsEvents(t *testing.T) {
	handshake := make(chan [2]string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshake <- [2]string{r.URL.RawQuery, r.Header.Get("Authorization")}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for _, st := range []models.Status{models.StatusPending, models.StatusAccepted} {
			ride := snap("r1", st, 1)
			if st == models.StatusAccepted {
				ride.DriverID, ride.Version = "d1", 2
			}
			_ = c.WriteJSON(models.ChangeEvent{Type: models.EventUpdate, Ride: ride})
		}
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		// wait for the client to go away
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	src := &WSSource{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "tok"}
	st := NewState()
	err := Watch(context.Background(), src, models.Filter{Field: models.FieldID, Value: "r1"}, st, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	got, _ := st.Get("r1")
	if got.Status != models.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", got.Status)
	}
	if h := <-handshake; h[0] != "id=r1" || h[1] != "Bearer tok" {
		t.Fatalf("unexpected handshake query=%q auth=%q", h[0], h[1])
	}
}

func TestWSSourceRejectsBadFilter(t *testing.T) {
	src := &WSSource{BaseURL: "ws://127.0.0.1:1"}
	if _, err := src.Subscribe(context.Background(), models.Filter{}); err == nil {
		t.Fatal("expected error for empty filter")
	}
}
