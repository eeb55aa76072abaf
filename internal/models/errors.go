package models

import "errors"

var (
	ErrInvalidGeometry   = errors.New("invalid geometry")
	ErrRideNotFound      = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("forbidden")

	// ErrConditionFailed is returned by a conditional write whose precondition
	// no longer holds.
	ErrConditionFailed = errors.New("conditional write failed")

	// ErrRaceLost is what a driver sees when another acceptance won.
	ErrRaceLost = errors.New("ride no longer available")
)
