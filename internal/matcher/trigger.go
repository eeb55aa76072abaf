package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Dispatcher is what a Trigger drives. *Service implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, rideID string) (Outcome, error)
}

// Trigger starts dispatches outside the request that asked for them.
// Concurrent triggers for one ride share a single run, and failed runs are
// retried with exponential backoff. Dispatch is idempotent so a retry after
// a partial run cannot double assign.
type Trigger struct {
	d        Dispatcher
	base     context.Context
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
	group    singleflight.Group
	wg       sync.WaitGroup
}

// NewTrigger returns a trigger whose background runs live as long as base.
func NewTrigger(base context.Context, d Dispatcher, attempts int, backoff time.Duration, logger *slog.Logger) *Trigger {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{d: d, base: base, attempts: attempts, backoff: backoff, logger: logger}
}

// Fire starts a dispatch for rideID in the background and returns at once.
func (t *Trigger) Fire(rideID string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_, _ = t.Run(t.base, rideID)
	}()
}

// Run dispatches rideID, joining a run already in flight for the same ride.
func (t *Trigger) Run(ctx context.Context, rideID string) (Outcome, error) {
	v, err, _ := t.group.Do(rideID, func() (any, error) {
		return t.runWithRetry(ctx, rideID)
	})
	out, _ := v.(Outcome)
	return out, err
}

// Wait blocks until background runs finish.
func (t *Trigger) Wait() { t.wg.Wait() }

func (t *Trigger) runWithRetry(ctx context.Context, rideID string) (Outcome, error) {
	delay := t.backoff
	var err error
	for i := 0; i < t.attempts; i++ {
		var out Outcome
		out, err = t.d.Dispatch(ctx, rideID)
		if err == nil {
			return out, nil
		}
		if !retryable(err) || i == t.attempts-1 {
			break
		}
		observability.DispatchRetries.WithLabelValues("trigger").Inc()
		t.logger.Warn("dispatch trigger retry", "ride_id", rideID, "attempt", i+1, "backoff", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	t.logger.Error("dispatch trigger gave up", "ride_id", rideID, "error", err)
	return Outcome{}, err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, models.ErrRideNotFound), errors.Is(err, dispatch.ErrRoundOpen):
		return false
	}
	return true
}
