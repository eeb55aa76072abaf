// Package ingest publishes driver heartbeats and ride changes to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// KafkaProducer publishes driver availability keyed by driver id, so one
// driver's heartbeats stay ordered within a partition.
type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: newWriter(brokers, topic)}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer { return &KafkaProducer{writer: w} }

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.DriverAvailability) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.DriverID), Value: b}); err != nil {
		observability.LocationPublishErrs.Inc()
		return err
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// ChangeMirror copies every ride change event to a topic keyed by ride id.
type ChangeMirror struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewChangeMirror(brokers []string, topic string, logger *slog.Logger) *ChangeMirror {
	return &ChangeMirror{writer: newWriter(brokers, topic), logger: logger}
}

func NewChangeMirrorWithWriter(w MessageWriter, logger *slog.Logger) *ChangeMirror {
	return &ChangeMirror{writer: w, logger: logger}
}

func (m *ChangeMirror) Run(ctx context.Context, src changefeed.Source) error {
	return changefeed.Consume(ctx, src, models.Filter{}, m.logger, "change-mirror", m.Handle)
}

func (m *ChangeMirror) Handle(ctx context.Context, ev models.ChangeEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		observability.ChangeMirrorErrors.Inc()
		m.logger.Error("encode change event", "ride_id", ev.Ride.ID, "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(ev.Ride.ID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := m.writer.WriteMessages(wctx, msg); err != nil {
		observability.ChangeMirrorErrors.Inc()
		m.logger.Warn("mirror change event", "ride_id", ev.Ride.ID, "seq", ev.Seq, "error", err)
	}
}

func (m *ChangeMirror) Close() error { return m.writer.Close() }
