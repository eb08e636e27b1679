// Package redpanda publishes lifecycle events to a Redpanda/Kafka topic.
//
// The feed is an out-of-band export for analytics and audit consumers; job
// orchestration never depends on it. Records are keyed by job id so per-job
// ordering holds within a partition.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// EventProducer wraps a Kafka producer and implements domain.EventSink.
type EventProducer struct {
	client  *kgo.Client
	topic   string
	breaker *feedBreaker
}

// NewEventProducer connects to the brokers and ensures the topic exists.
func NewEventProducer(brokers []string, topic string) (*EventProducer, error) {
	slog.Info("creating event producer", slog.Any("brokers", brokers), slog.String("topic", topic))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic name cannot be empty")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.new: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		// The broker may have the topic already or create it on first write.
		slog.Warn("failed to create topic", slog.String("topic", topic), slog.Any("error", err))
	}

	return &EventProducer{client: client, topic: topic, breaker: newFeedBreaker(5, 30*time.Second)}, nil
}

// Emit publishes one lifecycle event synchronously so the caller sees the
// failure. Callers treat the feed as best-effort and only log errors. While
// the brokers are down the breaker short-circuits with ErrFeedPaused instead
// of burning a produce timeout per event.
func (p *EventProducer) Emit(ctx domain.Context, ev domain.LifecycleEvent) error {
	if !p.breaker.allow() {
		return ErrFeedPaused
	}
	b, err := json.Marshal(ev)
	if err != nil {
		p.breaker.record(nil)
		return fmt.Errorf("op=redpanda.emit: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "org_id", Value: []byte(ev.OrgID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.breaker.record(err)
		return fmt.Errorf("op=redpanda.emit: %w", err)
	}
	p.breaker.record(nil)
	return nil
}

// Close flushes and closes the producer.
func (p *EventProducer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
