package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// PGListener turns NOTIFY payloads from the rides trigger into broker
// events. Postgres delivers notifications in commit order.
type PGListener struct {
	dsn    string
	feed   storage.Publisher
	logger *slog.Logger

	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
}

func NewPGListener(dsn string, feed storage.Publisher, logger *slog.Logger) *PGListener {
	return &PGListener{
		dsn:          dsn,
		feed:         feed,
		logger:       logger,
		MinReconnect: time.Second,
		MaxReconnect: time.Minute,
		PingInterval: 90 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.MinReconnect, l.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("ride change listener event", "event", int(ev), "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(storage.ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", storage.ChangeChannel, err)
	}
	l.logger.Info("listening for ride changes", "channel", storage.ChangeChannel)

	ping := time.NewTicker(l.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// reconnected; anything committed while disconnected was missed
				l.logger.Warn("ride change listener reconnected")
				continue
			}
			ev, err := DecodeNotification(n.Extra)
			if err != nil {
				l.logger.Error("invalid ride change payload", "error", err)
				continue
			}
			l.feed.Publish(ev)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("ride change listener ping", "error", err)
				}
			}()
		}
	}
}

// DecodeNotification parses and validates a trigger payload.
func DecodeNotification(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("decode ride change: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return models.ChangeEvent{}, err
	}
	return ev, nil
}
