package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Source opens filtered streams. *Broker implements it.
type Source interface {
	Subscribe(ctx context.Context, f models.Filter) (Stream, error)
}

// Consume feeds every event matching f to fn until ctx ends. A stream
// dropped for falling behind is reopened after resubscribeDelay; events
// published in the gap are lost, which server-side consumers tolerate.
func Consume(ctx context.Context, src Source, f models.Filter, logger *slog.Logger, name string, fn func(context.Context, models.ChangeEvent)) error {
	const resubscribeDelay = 100 * time.Millisecond
	for {
		s, err := src.Subscribe(ctx, f)
		if err != nil {
			return err
		}
		for ev := range s.Events() {
			fn(ctx, ev)
		}
		cause := s.Err()
		_ = s.Close()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(cause, ErrClosed) {
			return cause
		}
		logger.Warn("change feed consumer resubscribing", "consumer", name, "error", cause)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}
