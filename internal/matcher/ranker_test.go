package matcher

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

func TestProximityTieBreaksByDriverID(t *testing.T) {
	same := models.Point{Lat: 0, Lng: 0.01}
	ds := []models.DriverAvailability{
		{DriverID: "c", Online: true, Location: models.Point{Lat: 0, Lng: 0.05}},
		{DriverID: "b", Online: true, Location: same},
		{DriverID: "a", Online: true, Location: same},
	}
	got := Proximity{}.Rank(context.Background(), models.Point{}, ds)
	if got[0].Driver.DriverID != "a" || got[1].Driver.DriverID != "b" || got[2].Driver.DriverID != "c" {
		t.Fatalf("unexpected order %s %s %s", got[0].Driver.DriverID, got[1].Driver.DriverID, got[2].Driver.DriverID)
	}
	if got[0].DistanceKm < 1.0 || got[0].DistanceKm > 1.2 {
		t.Fatalf("expected ~1.1km, got %v", got[0].DistanceKm)
	}
}

func TestChooseHigherRatingIfETAEqual(t *testing.T) {
	ds := []models.DriverAvailability{
		{DriverID: "A", Online: true, Rating: 4.0},
		{DriverID: "B", Online: true, Rating: 5.0},
	}
	w := &Weighted{ETA: &eta.Estimator{SpeedMps: 10}}
	got := w.Rank(context.Background(), models.Point{}, ds)
	if got[0].Driver.DriverID != "B" {
		t.Fatalf("expected B, got %s", got[0].Driver.DriverID)
	}
}

func TestRatingOutweighsSmallETAGap(t *testing.T) {
	// 100m at 10 m/s is 10s; 30s per rating point dominates
	ds := []models.DriverAvailability{
		{DriverID: "near", Online: true, Rating: 3.0, Location: models.Point{Lat: 0, Lng: 0}},
		{DriverID: "far", Online: true, Rating: 5.0, Location: models.Point{Lat: 0, Lng: 0.0009}},
	}
	w := &Weighted{ETA: &eta.Estimator{SpeedMps: 10}}
	got := w.Rank(context.Background(), models.Point{}, ds)
	if got[0].Driver.DriverID != "far" {
		t.Fatalf("expected far, got %s", got[0].Driver.DriverID)
	}
}
