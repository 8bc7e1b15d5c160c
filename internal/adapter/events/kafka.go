package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// publishTimeout bounds one publish. A slow or unreachable broker costs a
// caller at most this long.
const publishTimeout = 2 * time.Second

// kafkaClient is the subset of kgo.Client the publisher uses.
type kafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Kafka publishes transition events to a Kafka/Redpanda topic, keyed by
// job id so events for one job stay ordered within a partition.
type Kafka struct {
	client kafkaClient
	topic  string
}

// NewKafka connects to the brokers and ensures the topic exists. A failed
// topic ensure is logged, not fatal; the broker may disallow auto-creation
// while the topic already exists.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewKafka: no seed brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=events.NewKafka: empty topic")
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewKafka: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("events topic ensure failed",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("events publisher ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Kafka{client: client, topic: topic}, nil
}

// PublishTransition sends one event. The error is metered and returned for
// logging; callers must not fail the transition on it.
func (k *Kafka) PublishTransition(ctx context.Context, ev domain.JobTransitionEvent) error {
	rec, err := newRecord(k.topic, ev)
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=events.PublishTransition: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		observability.EventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=events.PublishTransition: produce: %w", err)
	}

	observability.EventsPublishedTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close releases the client. Publishes are synchronous so there is nothing
// buffered to flush.
func (k *Kafka) Close(context.Context) error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}

func newRecord(topic string, ev domain.JobTransitionEvent) (*kgo.Record, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(ev.JobID)},
			{Key: "model_id", Value: []byte(ev.ModelID)},
			{Key: "status", Value: []byte(ev.To)},
		},
	}, nil
}
