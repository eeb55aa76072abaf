package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// feedFilter reads exactly one of id, passenger_id or driver_id.
func feedFilter(r *http.Request) (models.Filter, error) {
	q := r.URL.Query()
	var f models.Filter
	for _, field := range []models.FilterField{models.FieldID, models.FieldPassengerID, models.FieldDriverID} {
		v := q.Get(string(field))
		if v == "" {
			continue
		}
		if f.Field != "" {
			return models.Filter{}, errors.New("exactly one of id, passenger_id, driver_id is required")
		}
		f = models.Filter{Field: field, Value: v}
	}
	if f.Field == "" {
		return models.Filter{}, errors.New("exactly one of id, passenger_id, driver_id is required")
	}
	return f, f.Validate()
}

func (s *Server) authorizeFilter(ctx context.Context, c *auth.Claims, f models.Filter) error {
	if c.Role == auth.RoleAdmin {
		return nil
	}
	switch f.Field {
	case models.FieldPassengerID, models.FieldDriverID:
		if f.Value != c.UserID {
			return models.ErrForbidden
		}
		return nil
	}
	ride, err := s.Rides.Get(ctx, f.Value)
	if err != nil {
		return err
	}
	if !canSee(c, ride) {
		return models.ErrForbidden
	}
	return nil
}

// handleRideFeed streams change events matching one filter. The
// subscription is opened before the upgrade so no commit between the
// handshake and the first read is missed.
func (s *Server) handleRideFeed(w http.ResponseWriter, r *http.Request) {
	f, err := feedFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.authorizeFilter(r.Context(), claimsFromContext(r.Context()), f); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stream, err := s.Feed.Subscribe(ctx, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stream.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// the reader only exists to notice the client going away
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				reason := "feed closed"
				if err := stream.Err(); errors.Is(err, changefeed.ErrSlowConsumer) {
					reason = err.Error()
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}

// handleDriverChannel registers the driver for offers and answers their
// offer responses on the same socket.
func (s *Server) handleDriverChannel(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if claimsFromContext(r.Context()).UserID != driverID {
		writeJSONError(w, http.StatusForbidden, models.ErrForbidden.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	sess := s.WSReg.Add(driverID, conn)
	s.logger.Info("driver connected", "driver_id", driverID)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.WSReg.Remove(driverID, sess)
		_ = conn.Close()
		s.logger.Info("driver disconnected", "driver_id", driverID)
	}()

	go func() {
		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	for {
		var msg models.OfferResponse
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.logger.Debug("driver read ended", "driver_id", driverID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msg.Type != models.OfferResponseType || msg.RideID == "" {
			_ = sess.Send(models.OfferResult{Type: models.OfferResultType, RideID: msg.RideID, Accept: msg.Accept, Error: "unsupported message"})
			continue
		}
		// Respond blocks until the dispatcher rules on the answer.
		go func(m models.OfferResponse) {
			res := models.OfferResult{Type: models.OfferResultType, RideID: m.RideID, Accept: m.Accept, OK: true}
			if err := s.Offers.Respond(ctx, m.RideID, driverID, m.Accept); err != nil {
				res.OK = false
				res.Error = err.Error()
				if statusFor(err) == http.StatusConflict {
					res.Error = models.ErrRaceLost.Error()
				}
			}
			if err := sess.Send(res); err != nil {
				s.logger.Debug("offer result not delivered", "driver_id", driverID, "ride_id", m.RideID, "error", err)
			}
		}(msg)
	}
}
