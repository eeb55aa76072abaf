package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Availability is the driver-side view the dispatcher reads from. Drivers
// are bucketed by the same cells rides are.
type Availability interface {
	Upsert(ctx context.Context, d models.DriverAvailability) error
	OnlineInCells(ctx context.Context, cells []string) ([]models.DriverAvailability, error)
}

// CellLocator resolves the cell a driver currently sits in.
type CellLocator interface {
	CellOf(p models.Point) (string, error)
}

// Index is an in-memory Availability. A heartbeat older than the one
// already stored for the driver is dropped.
type Index struct {
	mu         sync.RWMutex
	cells      CellLocator
	staleAfter time.Duration
	now        func() time.Time
	drivers    map[string]models.DriverAvailability
	byCell     map[string]map[string]struct{}
}

// NewIndex builds an index. Drivers whose last heartbeat is older than
// staleAfter are not returned; zero disables the check.
func NewIndex(cells CellLocator, staleAfter time.Duration) *Index {
	return &Index{
		cells:      cells,
		staleAfter: staleAfter,
		now:        time.Now,
		drivers:    make(map[string]models.DriverAvailability),
		byCell:     make(map[string]map[string]struct{}),
	}
}

func (g *Index) Upsert(_ context.Context, d models.DriverAvailability) error {
	if err := d.Validate(); err != nil {
		return err
	}
	cell, err := g.cells.CellOf(d.Location)
	if err != nil {
		return fmt.Errorf("locate driver %s: %w", d.DriverID, err)
	}
	d.Cell = cell

	g.mu.Lock()
	defer g.mu.Unlock()
	d.UpdatedAt = heartbeatTime(d.UpdatedAt, g.now())
	prev, ok := g.drivers[d.DriverID]
	if ok && d.UpdatedAt.Before(prev.UpdatedAt) {
		return nil
	}
	if ok && prev.Cell != cell {
		if set := g.byCell[prev.Cell]; set != nil {
			delete(set, d.DriverID)
			if len(set) == 0 {
				delete(g.byCell, prev.Cell)
			}
		}
	}
	set := g.byCell[cell]
	if set == nil {
		set = make(map[string]struct{})
		g.byCell[cell] = set
	}
	set[d.DriverID] = struct{}{}
	g.drivers[d.DriverID] = d
	return nil
}

func (g *Index) OnlineInCells(_ context.Context, cells []string) ([]models.DriverAvailability, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	var out []models.DriverAvailability
	for _, c := range cells {
		for id := range g.byCell[c] {
			d := g.drivers[id]
			if !d.Online || isStale(d, now, g.staleAfter) {
				continue
			}
			out = append(out, d)
		}
	}
	sortByDriverID(out)
	return out, nil
}

func sortByDriverID(ds []models.DriverAvailability) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].DriverID < ds[j].DriverID })
}

// heartbeatTime is when a position was observed. Missing or future
// timestamps are replaced by now so a skewed device cannot pin itself fresh.
func heartbeatTime(reported, now time.Time) time.Time {
	if reported.IsZero() || reported.After(now) {
		return now
	}
	return reported
}

func isStale(d models.DriverAvailability, now time.Time, after time.Duration) bool {
	return after > 0 && now.Sub(d.UpdatedAt) > after
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is the great-circle distance between two points in kilometres.
func DistanceKm(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}
