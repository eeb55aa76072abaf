package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoDeviceToken = errors.New("no device token registered")

// PushMessage is the body accepted by the push gateway.
type PushMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
	Priority string            `json:"priority"`
}

// PushGateway posts JSON messages to an HTTP push service using a bearer key.
type PushGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushGateway(endpoint, key string) *PushGateway {
	return &PushGateway{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushGateway) Send(ctx context.Context, msg PushMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push gateway: status %d", resp.StatusCode)
	}
	return nil
}

// TokenLookup returns a user's registered device token, or "" if none.
type TokenLookup interface {
	Token(ctx context.Context, userID string) (string, error)
}

// OfferPusher delivers offers as push messages to drivers without an open
// socket.
type OfferPusher struct {
	Gateway *PushGateway
	Tokens  TokenLookup
}

func (o *OfferPusher) SendOffer(ctx context.Context, offer models.Offer) error {
	token, err := o.Tokens.Token(ctx, offer.DriverID)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNoDeviceToken
	}
	return o.Gateway.Send(ctx, PushMessage{
		To:    token,
		Title: "New ride request",
		Body:  fmt.Sprintf("Pickup %.1f km away, fare %.0f", offer.DistanceToPickupKm, offer.EstimatedFare),
		Data: map[string]string{
			"rideId":    offer.RideID,
			"offerId":   offer.ID,
			"expiresAt": offer.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Priority: "high",
	})
}
