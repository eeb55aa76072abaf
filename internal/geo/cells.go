package geo

import (
	"fmt"
	"sort"

	"github.com/uber/h3-go/v4"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultResolution gives hexagons roughly 460 m on an edge, about one
// neighbourhood across.
const DefaultResolution = 8

// Indexer maps points onto a fixed-resolution H3 grid.
type Indexer struct {
	resolution int
	ring       int
}

// NewIndexer returns an indexer whose candidate area is the origin cell plus
// its first ring.
func NewIndexer(resolution int) (*Indexer, error) {
	if resolution < 0 || resolution > 15 {
		return nil, fmt.Errorf("h3 resolution %d out of range 0..15", resolution)
	}
	return &Indexer{resolution: resolution, ring: 1}, nil
}

// CellOf returns the id of the cell containing p.
func (ix *Indexer) CellOf(p models.Point) (string, error) {
	c, err := ix.cell(p)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// CandidateCells returns the origin cell of p and every cell within the
// ring radius, sorted. The result is the whole search area of a ride.
func (ix *Indexer) CandidateCells(p models.Point) ([]string, error) {
	origin, err := ix.cell(p)
	if err != nil {
		return nil, err
	}
	disk, err := h3.GridDisk(origin, ix.ring)
	if err != nil {
		return nil, fmt.Errorf("grid disk around %s: %w", origin, err)
	}
	seen := make(map[string]struct{}, len(disk))
	out := make([]string, 0, len(disk))
	for _, c := range disk {
		id := c.String()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (ix *Indexer) cell(p models.Point) (h3.Cell, error) {
	if !p.Valid() {
		return 0, fmt.Errorf("point (%v, %v): %w", p.Lat, p.Lng, models.ErrInvalidGeometry)
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(p.Lat, p.Lng), ix.resolution)
	if err != nil {
		return 0, fmt.Errorf("point (%v, %v): %w: %v", p.Lat, p.Lng, models.ErrInvalidGeometry, err)
	}
	return c, nil
}
