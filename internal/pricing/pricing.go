package pricing

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultBaseFare = 150
	DefaultPerKm    = 40
	DefaultRounding = 10
)

// Calculator is the linear fare model: base + km * per-km, rounded to the
// nearest currency step.
type Calculator struct {
	BaseFare float64
	PerKm    float64
	RoundTo  float64
}

func NewCalculator(baseFare, perKm, roundTo float64) *Calculator {
	return &Calculator{BaseFare: baseFare, PerKm: perKm, RoundTo: roundTo}
}

func DefaultCalculator() *Calculator {
	return NewCalculator(DefaultBaseFare, DefaultPerKm, DefaultRounding)
}

// CalculateFare estimates the fare between two coordinates over the
// great-circle distance.
func (c *Calculator) CalculateFare(lat1, lng1, lat2, lng2 float64) float64 {
	km := geo.Haversine(lat1, lng1, lat2, lng2) / 1000
	return c.ForDistance(km)
}

func (c *Calculator) Estimate(from, to models.Point) float64 {
	return c.CalculateFare(from.Lat, from.Lng, to.Lat, to.Lng)
}

func (c *Calculator) ForDistance(km float64) float64 {
	if km < 0 {
		km = 0
	}
	fare := c.BaseFare + km*c.PerKm
	if c.RoundTo <= 0 {
		return fare
	}
	return math.Round(fare/c.RoundTo) * c.RoundTo
}
