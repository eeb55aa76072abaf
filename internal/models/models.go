package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Point is a WGS-84 coordinate with an optional street address.
type Point struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Valid reports whether the point lies inside the latitude/longitude ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// RideRequest is the authoritative ride record. Every change event carries
// a full copy of it.
type RideRequest struct {
	ID             string    `json:"id"`
	PassengerID    string    `json:"passenger_id"`
	DriverID       string    `json:"driver_id,omitempty"`
	Pickup         Point     `json:"pickup"`
	Dropoff        Point     `json:"dropoff"`
	CandidateCells []string  `json:"candidate_cells"`
	Status         Status    `json:"status"`
	EstimatedFare  float64   `json:"estimated_fare"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int64     `json:"version"`
}

// Validate checks the shape of a ride snapshot received from outside the process.
func (r RideRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("ride: missing id")
	}
	if strings.TrimSpace(r.PassengerID) == "" {
		return fmt.Errorf("ride %s: missing passenger_id", r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("ride %s: unknown status %q", r.ID, r.Status)
	}
	if !r.Pickup.Valid() || !r.Dropoff.Valid() {
		return fmt.Errorf("ride %s: %w", r.ID, ErrInvalidGeometry)
	}
	if r.Status.HasDriver() && r.DriverID == "" {
		return fmt.Errorf("ride %s: status %s without driver_id", r.ID, r.Status)
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias the candidate cell slice.
func (r RideRequest) Clone() RideRequest {
	out := r
	out.CandidateCells = append([]string(nil), r.CandidateCells...)
	return out
}

// CreateRideInput is the body accepted by the ride creation endpoint.
type CreateRideInput struct {
	Pickup        Point    `json:"pickup"`
	Dropoff       Point    `json:"dropoff"`
	EstimatedFare *float64 `json:"estimated_fare,omitempty"`
}

func (in CreateRideInput) Validate() error {
	if !in.Pickup.Valid() {
		return fmt.Errorf("pickup: %w", ErrInvalidGeometry)
	}
	if !in.Dropoff.Valid() {
		return fmt.Errorf("dropoff: %w", ErrInvalidGeometry)
	}
	if in.EstimatedFare != nil && (*in.EstimatedFare < 0 || math.IsNaN(*in.EstimatedFare)) {
		return fmt.Errorf("estimated_fare must be >= 0")
	}
	return nil
}

// DriverAvailability is the last known state of a driver as reported by the
// driver app heartbeat.
type DriverAvailability struct {
	DriverID  string    `json:"driver_id"`
	Online    bool      `json:"online"`
	Location  Point     `json:"location"`
	Cell      string    `json:"cell,omitempty"`
	Rating    float64   `json:"rating"` // 0..5
	UpdatedAt time.Time `json:"updated_at"`
}

func (d DriverAvailability) Validate() error {
	if strings.TrimSpace(d.DriverID) == "" {
		return fmt.Errorf("driver availability: missing driver_id")
	}
	if !d.Location.Valid() {
		return fmt.Errorf("driver %s: %w", d.DriverID, ErrInvalidGeometry)
	}
	if d.Rating < 0 || d.Rating > 5 {
		return fmt.Errorf("driver %s: rating %.2f out of range", d.DriverID, d.Rating)
	}
	return nil
}

// Offer is a time-bounded proposal of one ride to one driver.
type Offer struct {
	ID                 string    `json:"offer_id"`
	Type               string    `json:"type"`
	RideID             string    `json:"ride_id"`
	DriverID           string    `json:"driver_id"`
	Pickup             Point     `json:"pickup"`
	Dropoff            Point     `json:"dropoff"`
	EstimatedFare      float64   `json:"estimated_fare"`
	DistanceToPickupKm float64   `json:"distance_to_pickup_km"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Message types on the driver channel.
const (
	OfferMessageType  = "ride_offer"
	OfferResponseType = "offer_response"
	OfferResultType   = "offer_result"
)

// OfferResponse is what a driver sends back for an offer.
type OfferResponse struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
	Accept bool   `json:"accept"`
}

// OfferResult tells the driver how their response was resolved.
type OfferResult struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
	Accept bool   `json:"accept"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}
