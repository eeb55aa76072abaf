// Package notify sends a push message to the passenger when a driver
// accepts their ride.
package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Pusher sends one push message. *dispatch.PushGateway implements it.
type Pusher interface {
	Send(ctx context.Context, msg dispatch.PushMessage) error
}

type Notifier struct {
	Tokens      TokenStore
	Push        Pusher
	Logger      *slog.Logger
	Concurrency int           // in-flight sends, default 8
	SendTimeout time.Duration // default 5s
}

// Run consumes every ride change from src until ctx ends. Push is best
// effort: failures are logged and counted, never retried.
func (n *Notifier) Run(ctx context.Context, src changefeed.Source) error {
	limit := n.Concurrency
	if limit <= 0 {
		limit = 8
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	err := changefeed.Consume(gctx, src, models.Filter{}, n.Logger, "notifier", func(ctx context.Context, ev models.ChangeEvent) {
		if !ev.BecameAccepted() {
			return
		}
		g.Go(func() error {
			n.Handle(ctx, ev)
			return nil
		})
	})
	_ = g.Wait()
	return err
}

// Handle sends the accepted-ride push for ev.
func (n *Notifier) Handle(ctx context.Context, ev models.ChangeEvent) {
	ride := ev.Ride
	token, err := n.Tokens.Token(ctx, ride.PassengerID)
	if err != nil {
		observability.PushNotifications.WithLabelValues("error").Inc()
		n.Logger.Warn("device token lookup failed", "ride_id", ride.ID, "passenger_id", ride.PassengerID, "error", err)
		return
	}
	if token == "" {
		observability.PushNotifications.WithLabelValues("skipped").Inc()
		return
	}
	timeout := n.SendTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = n.Push.Send(sctx, dispatch.PushMessage{
		To:       token,
		Title:    "Driver found",
		Body:     "A driver accepted your ride and is on the way.",
		Data:     map[string]string{"rideId": ride.ID},
		Priority: "high",
	})
	if err != nil {
		observability.PushNotifications.WithLabelValues("failed").Inc()
		n.Logger.Warn("push notification failed", "ride_id", ride.ID, "passenger_id", ride.PassengerID, "error", err)
		return
	}
	observability.PushNotifications.WithLabelValues("sent").Inc()
	n.Logger.Info("push notification sent", "ride_id", ride.ID, "passenger_id", ride.PassengerID)
}
