package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rides"
)

// Dispatcher starts a dispatch in the background.
type Dispatcher interface {
	Fire(rideID string)
}

// OfferResponder routes a driver's answer to the open offer.
type OfferResponder interface {
	Respond(ctx context.Context, rideID, driverID string, accept bool) error
}

// LocationPublisher forwards heartbeats to the ingest topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.DriverAvailability) error
}

// Deps are the collaborators the API is built from. Locations and Ready
// are optional.
type Deps struct {
	Rides     *rides.Service
	Dispatch  Dispatcher
	Offers    OfferResponder
	Feed      changefeed.Source
	Drivers   geo.Availability
	Locations LocationPublisher
	Tokens    notify.TokenStore
	WSReg     *dispatch.WSRegistry
	JWT       *auth.JWTService
	Ready     func(ctx context.Context) error
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.Handle("/rides", s.requireRole(s.handleCreateRide, auth.RolePassenger)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.Handle("/rides/{id}/offer-response", s.requireRole(s.handleOfferResponse, auth.RoleDriver)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.Handle("/rides/{id}/status", s.requireRole(s.handleStatus, auth.RoleDriver)).Methods(http.MethodPost)
	api.HandleFunc("/devices", s.handleRegisterDevice).Methods(http.MethodPut)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/rides", s.handleRideFeed).Methods(http.MethodGet)
	ws.Handle("/drivers/{driver_id}", s.requireRole(s.handleDriverChannel, auth.RoleDriver)).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
