package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/pkg/kafka"
)

// AccessEventPublisher defines the interface for publishing access log events
type AccessEventPublisher interface {
	// PublishAccessRecorded publishes an event for a written access record
	PublishAccessRecorded(ctx context.Context, record *domain.AccessRecord) error

	// Close closes the event publisher
	Close() error
}

// MessageProducer is the part of pkg/kafka.Producer the publisher needs
type MessageProducer interface {
	Produce(ctx context.Context, msg *kafka.Message) error
}

// AccessEventPublisherConfig contains configuration for the event publisher
type AccessEventPublisherConfig struct {
	Topic       string
	ServiceName string
}

// KafkaAccessEventPublisher implements AccessEventPublisher using Kafka
type KafkaAccessEventPublisher struct {
	producer    MessageProducer
	topic       string
	serviceName string
}

// NewKafkaAccessEventPublisher creates a new Kafka access event publisher.
// The producer is shared and is not closed by the publisher.
func NewKafkaAccessEventPublisher(producer MessageProducer, cfg *AccessEventPublisherConfig) (*KafkaAccessEventPublisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafka producer is required")
	}

	topic := "ticket-access-events"
	serviceName := "fwe-access"
	if cfg != nil {
		if cfg.Topic != "" {
			topic = cfg.Topic
		}
		if cfg.ServiceName != "" {
			serviceName = cfg.ServiceName
		}
	}

	return &KafkaAccessEventPublisher{
		producer:    producer,
		topic:       topic,
		serviceName: serviceName,
	}, nil
}

// PublishAccessRecorded publishes a ticket.access.recorded event
func (p *KafkaAccessEventPublisher) PublishAccessRecorded(ctx context.Context, record *domain.AccessRecord) error {
	return p.publishEvent(ctx, domain.AccessEventRecorded, record)
}

// Close is a no-op; the producer is owned by the container
func (p *KafkaAccessEventPublisher) Close() error {
	return nil
}

func (p *KafkaAccessEventPublisher) publishEvent(ctx context.Context, eventType domain.AccessEventType, record *domain.AccessRecord) error {
	eventID := uuid.New().String()
	event := domain.NewAccessEvent(eventType, record, eventID)

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.Key()),
		Value: value,
		Headers: map[string]string{
			"event_type":   string(eventType),
			"event_id":     eventID,
			"source":       p.serviceName,
			"content_type": "application/json",
		},
		Timestamp: time.Now(),
	}

	if err := p.producer.Produce(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// NoOpAccessEventPublisher is used when Kafka is disabled
type NoOpAccessEventPublisher struct{}

// NewNoOpAccessEventPublisher creates a new no-op event publisher
func NewNoOpAccessEventPublisher() *NoOpAccessEventPublisher {
	return &NoOpAccessEventPublisher{}
}

// PublishAccessRecorded is a no-op
func (p *NoOpAccessEventPublisher) PublishAccessRecorded(ctx context.Context, record *domain.AccessRecord) error {
	return nil
}

// Close is a no-op
func (p *NoOpAccessEventPublisher) Close() error {
	return nil
}
