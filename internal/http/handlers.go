package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type offerResponseBody struct {
	Accept *bool `json:"accept"`
}

type statusBody struct {
	Status models.Status `json:"status"`
}

type deviceBody struct {
	Token string `json:"token"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in models.CreateRideInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ride, err := s.Rides.Create(r.Context(), claimsFromContext(r.Context()).UserID, in)
	if err != nil {
		if storage.IsTransient(err) {
			s.writeError(w, r, err)
			return
		}
		// anything the caller sent that we could not store is their problem
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !canSee(claimsFromContext(r.Context()), ride) {
		writeJSONError(w, http.StatusForbidden, models.ErrForbidden.Error())
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleDispatch re-fires dispatch for a ride. The outcome shows up on the
// ride's status, not in this response.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ride, err := s.Rides.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c := claimsFromContext(r.Context())
	if c.Role != auth.RoleAdmin && c.UserID != ride.PassengerID {
		writeJSONError(w, http.StatusForbidden, models.ErrForbidden.Error())
		return
	}
	s.Dispatch.Fire(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"ride_id": id, "status": string(ride.Status)})
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	var body offerResponseBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Accept == nil {
		writeJSONError(w, http.StatusBadRequest, "accept is required")
		return
	}
	id := mux.Vars(r)["id"]
	driverID := claimsFromContext(r.Context()).UserID
	if err := s.Offers.Respond(r.Context(), id, driverID, *body.Accept); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OfferResult{Type: models.OfferResultType, RideID: id, Accept: *body.Accept, OK: true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Cancel(r.Context(), mux.Vars(r)["id"], claimsFromContext(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ride, err := s.Rides.Advance(r.Context(), mux.Vars(r)["id"], claimsFromContext(r.Context()).UserID, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Tokens.Register(r.Context(), claimsFromContext(r.Context()).UserID, body.Token); err != nil {
		if errors.Is(err, notify.ErrEmptyToken) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverLocation takes a heartbeat from the driver app gateway.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverAvailability
	if err := decodeJSON(w, r, &d); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	if err := s.Drivers.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.DriverHeartbeats.WithLabelValues(strconv.FormatBool(d.Online)).Inc()
	if s.Locations != nil {
		// the publisher counts its own failures
		if err := s.Locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("publish location failed", "driver_id", d.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func canSee(c *auth.Claims, ride models.RideRequest) bool {
	if c == nil {
		return false
	}
	return c.Role == auth.RoleAdmin || c.UserID == ride.PassengerID || (ride.DriverID != "" && c.UserID == ride.DriverID)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidGeometry):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrRideNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRaceLost), errors.Is(err, dispatch.ErrNoActiveOffer):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConditionFailed):
		return http.StatusConflict
	case storage.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch {
	case errors.Is(err, models.ErrRaceLost), errors.Is(err, dispatch.ErrNoActiveOffer):
		msg = models.ErrRaceLost.Error()
	case code >= http.StatusInternalServerError:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = http.StatusText(code)
	}
	writeJSONError(w, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}
