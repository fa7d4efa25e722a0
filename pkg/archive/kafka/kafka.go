// Package kafka publishes archived utterance records to a Kafka topic.
//
// Each record is serialized as JSON and keyed by thread ID so all
// utterances of one conversation land on the same partition, preserving
// their relative order for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/crosstalk-ai/crosstalk/pkg/archive"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "crosstalk.utterances"

// Publisher writes archive records to Kafka. When constructed with no
// brokers it runs disabled and drops records with a debug log, so callers
// can wire it unconditionally.
type Publisher struct {
	writer *kafkago.Writer
	topic  string
	log    *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Publisher) {
		p.log = log
	}
}

// New creates a Publisher for the given brokers and topic. An empty broker
// list yields a disabled publisher. An empty topic falls back to
// DefaultTopic.
func New(brokers []string, topic string, opts ...Option) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	p := &Publisher{
		topic: topic,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(brokers) == 0 {
		p.log.Info("kafka publisher disabled, no brokers configured")
		return p
	}
	p.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafkago.RequireOne,
	}
	return p
}

// Publish sends one record to the configured topic. It is a no-op when
// the publisher is disabled.
func (p *Publisher) Publish(ctx context.Context, rec archive.Record) error {
	if p.writer == nil {
		p.log.Debug("kafka disabled, dropping record",
			"thread_id", rec.ThreadID,
			"utterance_id", rec.UtteranceID)
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafka: marshal record: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(rec.ThreadID),
		Value: payload,
		Time:  rec.LoggedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending batches and releases the writer. Safe to call on
// a disabled publisher.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}
