package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a driver scored against a pickup point. Lower Cost ranks first.
type Candidate struct {
	Driver     models.DriverAvailability
	DistanceKm float64
	ETASeconds float64
	Cost       float64
}

// Ranker orders eligible drivers for a pickup.
type Ranker interface {
	Rank(ctx context.Context, pickup models.Point, drivers []models.DriverAvailability) []Candidate
}

// Proximity ranks by straight-line distance to the pickup.
type Proximity struct{}

func (Proximity) Rank(_ context.Context, pickup models.Point, drivers []models.DriverAvailability) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		km := geo.DistanceKm(d.Location, pickup)
		out = append(out, Candidate{Driver: d, DistanceKm: km, Cost: km})
	}
	sortCandidates(out)
	return out
}

// Weighted ranks by cost = eta_seconds + RatingWeight*(5 - rating), so a
// better rated driver can beat a slightly closer one.
type Weighted struct {
	ETA          *eta.Estimator
	RatingWeight float64
}

func (w *Weighted) Rank(ctx context.Context, pickup models.Point, drivers []models.DriverAvailability) []Candidate {
	weight := w.RatingWeight
	if weight <= 0 {
		weight = 30
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		etaSec := w.ETA.Seconds(ctx, d.Location, pickup)
		out = append(out, Candidate{
			Driver:     d,
			DistanceKm: geo.DistanceKm(d.Location, pickup),
			ETASeconds: etaSec,
			Cost:       etaSec + weight*(5.0-d.Rating),
		})
	}
	sortCandidates(out)
	return out
}

// ties go to the lower driver id
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Cost != cs[j].Cost {
			return cs[i].Cost < cs[j].Cost
		}
		return cs[i].Driver.DriverID < cs[j].Driver.DriverID
	})
}
