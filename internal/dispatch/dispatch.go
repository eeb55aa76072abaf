// Package dispatch delivers ride offers and push messages to devices.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// Sender delivers an offer to a driver's device. Delivery is not acceptance:
// the response comes back separately.
type Sender interface {
	SendOffer(ctx context.Context, offer models.Offer) error
}

// Chain tries each sender in order and stops at the first success.
type Chain []Sender

func (c Chain) SendOffer(ctx context.Context, offer models.Offer) error {
	var errs []error
	for _, s := range c {
		err := s.SendOffer(ctx, offer)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return fmt.Errorf("offer %s: no senders configured", offer.ID)
	}
	return errors.Join(errs...)
}
