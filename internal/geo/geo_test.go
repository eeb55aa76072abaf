package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmOneDegreeOfLatitude(t *testing.T) {
	got := DistanceKm(models.Point{Lat: 0, Lng: 0}, models.Point{Lat: 1, Lng: 0})
	want := 6371 * math.Pi / 180
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("expected %f km, got %f", want, got)
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := NewIndexer(DefaultResolution)
	if err != nil {
		t.Fatal(err)
	}
	return NewIndex(ix, time.Minute)
}

func TestIndexFindsDriversInCandidateCells(t *testing.T) {
	ix, _ := NewIndexer(DefaultResolution)
	g := NewIndex(ix, 0)
	ctx := context.Background()
	pickup := models.Point{Lat: 36.75, Lng: 3.05}

	near := models.DriverAvailability{DriverID: "near", Online: true, Location: models.Point{Lat: 36.7505, Lng: 3.0505}, Rating: 4.8}
	far := models.DriverAvailability{DriverID: "far", Online: true, Location: models.Point{Lat: 36.90, Lng: 3.30}, Rating: 4.8}
	off := models.DriverAvailability{DriverID: "off", Online: false, Location: pickup, Rating: 5}
	for _, d := range []models.DriverAvailability{near, far, off} {
		if err := g.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.DriverID, err)
		}
	}

	cells, err := ix.CandidateCells(pickup)
	if err != nil {
		t.Fatal(err)
	}
	got, err := g.OnlineInCells(ctx, cells)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("expected only near driver, got %+v", got)
	}
	if got[0].Cell == "" {
		t.Fatalf("expected cell to be recorded")
	}
}

func TestIndexMoveRemovesDriverFromOldCell(t *testing.T) {
	g := newTestIndex(t)
	ctx := context.Background()
	a := models.Point{Lat: 36.75, Lng: 3.05}
	b := models.Point{Lat: 48.85, Lng: 2.35}

	if err := g.Upsert(ctx, models.DriverAvailability{DriverID: "d1", Online: true, Location: a}); err != nil {
		t.Fatal(err)
	}
	if err := g.Upsert(ctx, models.DriverAvailability{DriverID: "d1", Online: true, Location: b}); err != nil {
		t.Fatal(err)
	}
	cellsA, _ := g.cells.(*Indexer).CandidateCells(a)
	got, _ := g.OnlineInCells(ctx, cellsA)
	if len(got) != 0 {
		t.Fatalf("expected driver to have left the old area, got %+v", got)
	}
	cellsB, _ := g.cells.(*Indexer).CandidateCells(b)
	got, _ = g.OnlineInCells(ctx, cellsB)
	if len(got) != 1 {
		t.Fatalf("expected driver in new area, got %+v", got)
	}
}

func TestIndexSkipsStaleDrivers(t *testing.T) {
	g := newTestIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	p := models.Point{Lat: 36.75, Lng: 3.05}
	if err := g.Upsert(ctx, models.DriverAvailability{DriverID: "d1", Online: true, Location: p}); err != nil {
		t.Fatal(err)
	}
	g.now = func() time.Time { return base.Add(2 * time.Minute) }
	cells, _ := g.cells.(*Indexer).CandidateCells(p)
	got, _ := g.OnlineInCells(ctx, cells)
	if len(got) != 0 {
		t.Fatalf("expected stale driver to be skipped, got %+v", got)
	}
}

func TestIndexKeepsReportedHeartbeatTime(t *testing.T) {
	g := newTestIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	p := models.Point{Lat: 36.75, Lng: 3.05}
	cells, _ := g.cells.(*Indexer).CandidateCells(p)

	// a backlog replayed an hour late is still an hour old
	old := models.DriverAvailability{DriverID: "d1", Online: true, Location: p, UpdatedAt: base.Add(-time.Hour)}
	if err := g.Upsert(ctx, old); err != nil {
		t.Fatal(err)
	}
	if got, _ := g.OnlineInCells(ctx, cells); len(got) != 0 {
		t.Fatalf("expected hour-old heartbeat to be stale, got %+v", got)
	}

	fresh := models.DriverAvailability{DriverID: "d1", Online: true, Location: p, UpdatedAt: base.Add(-10 * time.Second)}
	if err := g.Upsert(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	got, _ := g.OnlineInCells(ctx, cells)
	if len(got) != 1 || !got[0].UpdatedAt.Equal(fresh.UpdatedAt) {
		t.Fatalf("expected fresh heartbeat with its own time, got %+v", got)
	}
}

func TestIndexIgnoresOutOfOrderHeartbeat(t *testing.T) {
	g := newTestIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	here := models.Point{Lat: 36.75, Lng: 3.05}
	there := models.Point{Lat: 48.85, Lng: 2.35}

	if err := g.Upsert(ctx, models.DriverAvailability{DriverID: "d1", Online: true, Location: here, UpdatedAt: base.Add(-5 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := g.Upsert(ctx, models.DriverAvailability{DriverID: "d1", Online: true, Location: there, UpdatedAt: base.Add(-30 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	cells, _ := g.cells.(*Indexer).CandidateCells(here)
	got, _ := g.OnlineInCells(ctx, cells)
	if len(got) != 1 || got[0].Location != here {
		t.Fatalf("expected the newer position to win, got %+v", got)
	}
}

func TestHeartbeatTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	if got := heartbeatTime(past, now); !got.Equal(past) {
		t.Fatalf("expected reported time kept, got %v", got)
	}
	if got := heartbeatTime(time.Time{}, now); !got.Equal(now) {
		t.Fatalf("expected zero time replaced, got %v", got)
	}
	if got := heartbeatTime(now.Add(time.Hour), now); !got.Equal(now) {
		t.Fatalf("expected future time clamped, got %v", got)
	}
}

func TestIndexRejectsInvalidLocation(t *testing.T) {
	g := newTestIndex(t)
	err := g.Upsert(context.Background(), models.DriverAvailability{DriverID: "d1", Online: true, Location: models.Point{Lat: 91}})
	if err == nil {
		t.Fatal("expected error for invalid location")
	}
}

func TestParseMeta(t *testing.T) {
	d, ok := parseMeta("d1", map[string]string{
		"lat": "36.75", "lng": "3.05", "rating": "4.5", "online": "true",
		"cell": "881f1d4a5bfffff", "updated": "2026-01-01T12:00:00Z",
	})
	if !ok {
		t.Fatal("expected metadata to parse")
	}
	if d.Location.Lat != 36.75 || d.Location.Lng != 3.05 || d.Rating != 4.5 || !d.Online {
		t.Fatalf("unexpected driver %+v", d)
	}
	if _, ok := parseMeta("d2", map[string]string{}); ok {
		t.Fatal("expected empty metadata to be rejected")
	}
	if _, ok := parseMeta("d3", map[string]string{"lat": "x", "lng": "1"}); ok {
		t.Fatal("expected malformed latitude to be rejected")
	}
}
