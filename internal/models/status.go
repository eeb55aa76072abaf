package models

// Status is the lifecycle state of a ride.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusAccepted           Status = "ACCEPTED"
	StatusArrived            Status = "ARRIVED"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusCompleted          Status = "COMPLETED"
	StatusCancelled          Status = "CANCELLED"
	StatusNoDriversAvailable Status = "NO_DRIVERS_AVAILABLE"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusNoDriversAvailable, StatusCancelled},
	StatusAccepted:   {StatusArrived, StatusCancelled},
	StatusArrived:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func (s Status) String() string { return string(s) }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusArrived, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoDriversAvailable:
		return true
	}
	return false
}

// Terminal statuses accept no further writes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoDriversAvailable
}

// HasDriver reports whether a ride in this status must carry a driver id.
func (s Status) HasDriver() bool {
	switch s {
	case StatusAccepted, StatusArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Predecessor returns the only status a driver may advance into s from.
func (s Status) Predecessor() (Status, bool) {
	switch s {
	case StatusArrived:
		return StatusAccepted, true
	case StatusInProgress:
		return StatusArrived, true
	case StatusCompleted:
		return StatusInProgress, true
	}
	return "", false
}

// Cancellable statuses may be moved to CANCELLED by a direct write.
func (s Status) Cancellable() bool {
	return s.CanTransitionTo(StatusCancelled)
}
