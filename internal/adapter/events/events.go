// Package events publishes job transition events to a Kafka/Redpanda
// topic. The stream is observability only: publishes are best effort,
// bounded by a short timeout, and never gate the job lifecycle.
package events

import (
	"context"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// New returns the Kafka publisher when brokers are configured and the
// Noop publisher otherwise.
func New(cfg config.Config) (domain.Publisher, error) {
	if !cfg.EventsEnabled() {
		return Noop{}, nil
	}
	return NewKafka(cfg.KafkaBrokers, cfg.EventsTopic)
}

// Noop discards events. Used when KAFKA_BROKERS is not set.
type Noop struct{}

// PublishTransition implements domain.Publisher.
func (Noop) PublishTransition(context.Context, domain.JobTransitionEvent) error { return nil }

// Close implements domain.Publisher.
func (Noop) Close(context.Context) error { return nil }
