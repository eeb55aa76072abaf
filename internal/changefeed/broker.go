// Package changefeed delivers committed ride writes to filtered subscribers
// in commit order.
package changefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 64

var (
	ErrSlowConsumer = errors.New("subscription dropped: consumer too slow")
	ErrClosed       = errors.New("change feed closed")
)

// Stream is a live subscription. Closing it releases the channel.
type Stream interface {
	Events() <-chan models.ChangeEvent
	Close() error
	// Err reports why the stream ended, or nil after a plain Close.
	Err() error
}

type Broker struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	buffer int
	closed bool
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Publish stamps ev with the next sequence number and hands it to every
// matching subscription. It never blocks: a subscription whose queue is
// full is closed with ErrSlowConsumer.
func (b *Broker) Publish(ev models.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	ev.Seq = b.seq
	observability.FeedEvents.WithLabelValues(string(ev.Type)).Inc()
	for id, s := range b.subs {
		if !s.filter.Matches(ev.Ride) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			observability.FeedSlowConsumers.Inc()
			b.dropLocked(id, ErrSlowConsumer)
		}
	}
}

// Subscribe opens a stream of events matching f. The zero filter matches
// everything. The stream is closed when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, f models.Filter) (Stream, error) {
	if f.Field != "" {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	s := &Subscription{id: b.nextID, filter: f, ch: make(chan models.ChangeEvent, b.buffer), broker: b}
	b.subs[s.id] = s
	b.mu.Unlock()
	observability.FeedSubscribers.Inc()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	b.mu.Lock()
	s.stop = stop
	b.mu.Unlock()
	return s, nil
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id := range b.subs {
		b.dropLocked(id, ErrClosed)
	}
}

func (b *Broker) dropLocked(id uint64, reason error) {
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	s.err = reason
	close(s.ch)
	observability.FeedSubscribers.Dec()
}

type Subscription struct {
	id     uint64
	filter models.Filter
	ch     chan models.ChangeEvent
	broker *Broker
	stop   func() bool
	err    error
}

func (s *Subscription) Events() <-chan models.ChangeEvent { return s.ch }

func (s *Subscription) Filter() models.Filter { return s.filter }

func (s *Subscription) Close() error {
	s.broker.mu.Lock()
	stop := s.stop
	s.broker.dropLocked(s.id, nil)
	s.broker.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func (s *Subscription) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}
