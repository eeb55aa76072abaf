package models

import "fmt"

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// ChangeEvent is one committed write of a ride row.
type ChangeEvent struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	OldStatus Status      `json:"old_status,omitempty"`
	Ride      RideRequest `json:"ride"`
}

func (e ChangeEvent) Validate() error {
	if e.Type != EventInsert && e.Type != EventUpdate {
		return fmt.Errorf("change event: unknown type %q", e.Type)
	}
	if e.OldStatus != "" && !e.OldStatus.Valid() {
		return fmt.Errorf("change event: unknown old_status %q", e.OldStatus)
	}
	return e.Ride.Validate()
}

// BecameAccepted reports whether this event is the transition into ACCEPTED.
func (e ChangeEvent) BecameAccepted() bool {
	return e.Ride.Status == StatusAccepted && e.OldStatus != StatusAccepted
}

// FilterField names the column a subscription filters on.
type FilterField string

const (
	FieldID          FilterField = "id"
	FieldPassengerID FilterField = "passenger_id"
	FieldDriverID    FilterField = "driver_id"
)

// Filter is an equality filter on one ride column. The zero Filter matches
// every ride and is only used by server-side consumers.
type Filter struct {
	Field FilterField `json:"field"`
	Value string      `json:"value"`
}

func (f Filter) Validate() error {
	switch f.Field {
	case FieldID, FieldPassengerID, FieldDriverID:
	default:
		return fmt.Errorf("filter: unsupported field %q", f.Field)
	}
	if f.Value == "" {
		return fmt.Errorf("filter: empty value for %s", f.Field)
	}
	return nil
}

func (f Filter) Matches(r RideRequest) bool {
	switch f.Field {
	case "":
		return true
	case FieldID:
		return r.ID == f.Value
	case FieldPassengerID:
		return r.PassengerID == f.Value
	case FieldDriverID:
		return r.DriverID != "" && r.DriverID == f.Value
	}
	return false
}
