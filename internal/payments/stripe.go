package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeClient wraps stripe-go for the PaymentIntent hold/capture/cancel flow.
type StripeClient struct {
	api *client.API
}

// NewStripeClient returns a client bound to key rather than the package-wide stripe.Key.
func NewStripeClient(key string) *StripeClient {
	api := &client.API{}
	api.Init(key, nil)
	return &StripeClient{api: api}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// The key makes a replayed hold for the same ride return the first intent.
// No payment method is attached and the intent is not confirmed here: the
// passenger app confirms it with its own card before Capture can succeed.
// An intent left in requires_payment_method fails Capture and is released
// by Cancel like any other hold.
func (s *StripeClient) Hold(ctx context.Context, idempotencyKey string, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}
