package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultDLQPublishTimeout bounds a dead-letter publish when DLQHandlerConfig
// leaves PublishTimeout unset
const DefaultDLQPublishTimeout = 3 * time.Second

// DLQMessage is a payload that exhausted its retries
type DLQMessage struct {
	ID            string          `json:"id"`
	OriginalTopic string          `json:"original_topic"`
	OriginalKey   string          `json:"original_key"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`

	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
	MovedToDLQAt   time.Time `json:"moved_to_dlq_at"`
	Source         string    `json:"source"`
}

// DLQPublisher stores dead letters somewhere an operator can replay them
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg *DLQMessage) error
}

// JSONProducer is satisfied by pkg/kafka.Producer
type JSONProducer interface {
	ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error
}

// DLQConfig configures KafkaDLQPublisher
type DLQConfig struct {
	// Topic receives every dead letter. Empty means "<original topic>.dlq".
	Topic string
	// Source is stamped on messages that do not carry one
	Source string
}

// KafkaDLQPublisher writes dead letters as JSON to a Kafka topic
type KafkaDLQPublisher struct {
	producer JSONProducer
	topic    string
	source   string
}

// NewKafkaDLQPublisher creates a Kafka-backed DLQ publisher
func NewKafkaDLQPublisher(producer JSONProducer, cfg *DLQConfig) *KafkaDLQPublisher {
	p := &KafkaDLQPublisher{producer: producer, source: "unknown"}
	if cfg != nil {
		p.topic = cfg.Topic
		if cfg.Source != "" {
			p.source = cfg.Source
		}
	}
	return p
}

// Topic returns where a dead letter from originalTopic is written
func (p *KafkaDLQPublisher) Topic(originalTopic string) string {
	if p.topic != "" {
		return p.topic
	}
	return originalTopic + ".dlq"
}

// PublishToDLQ stamps the message and produces it keyed by the original key
func (p *KafkaDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	if msg == nil {
		return errors.New("DLQ message cannot be nil")
	}
	msg.MovedToDLQAt = time.Now()
	if msg.Source == "" {
		msg.Source = p.source
	}

	return p.producer.ProduceJSON(ctx, p.Topic(msg.OriginalTopic), msg.OriginalKey, msg, map[string]string{
		"content_type":   "application/json",
		"original_topic": msg.OriginalTopic,
		"attempts":       strconv.Itoa(msg.Attempts),
		"source":         msg.Source,
	})
}

// NoOpDLQPublisher drops dead letters (Kafka disabled). The caller's OnDLQ
// hook still sees them.
type NoOpDLQPublisher struct{}

// NewNoOpDLQPublisher creates a no-op DLQ publisher
func NewNoOpDLQPublisher() *NoOpDLQPublisher {
	return &NoOpDLQPublisher{}
}

// PublishToDLQ does nothing
func (NoOpDLQPublisher) PublishToDLQ(context.Context, *DLQMessage) error {
	return nil
}

// MessageContext identifies the payload an operation is working on
type MessageContext struct {
	ID      string
	Topic   string
	Key     string
	Payload json.RawMessage
}

// DLQHandlerConfig configures DLQHandler
type DLQHandlerConfig struct {
	RetryConfig *Config
	Source      string
	// OnRetry is called before each retry of the operation
	OnRetry RetryCallback
	// OnDLQ is called once the operation is given up on, before publishing
	OnDLQ func(msg *DLQMessage)
	// PublishTimeout bounds the DLQ publish, which runs detached from the caller's deadline
	PublishTimeout time.Duration
}

// DLQHandler runs an operation with retries and dead-letters it on final failure
type DLQHandler struct {
	retrier        *Retrier
	publisher      DLQPublisher
	source         string
	onRetry        RetryCallback
	onDLQ          func(msg *DLQMessage)
	publishTimeout time.Duration
}

// NewDLQHandler creates a DLQ handler. A nil publisher drops dead letters.
func NewDLQHandler(publisher DLQPublisher, cfg *DLQHandlerConfig) *DLQHandler {
	if cfg == nil {
		cfg = &DLQHandlerConfig{}
	}
	if publisher == nil {
		publisher = NewNoOpDLQPublisher()
	}
	h := &DLQHandler{
		retrier:        New(cfg.RetryConfig),
		publisher:      publisher,
		source:         cfg.Source,
		onRetry:        cfg.OnRetry,
		onDLQ:          cfg.OnDLQ,
		publishTimeout: cfg.PublishTimeout,
	}
	if h.publishTimeout <= 0 {
		h.publishTimeout = DefaultDLQPublishTimeout
	}
	return h
}

// ProcessWithDLQ runs op with retries. When every attempt fails the payload is
// published to the DLQ and the operation error is returned; a failed publish is
// joined onto it.
func (h *DLQHandler) ProcessWithDLQ(ctx context.Context, msgCtx *MessageContext, op Operation) error {
	first := time.Now()
	result := h.retrier.DoWithCallback(ctx, op, h.onRetry)
	if result.Err == nil {
		return nil
	}

	opErr := result.Err
	if result.LastError != nil {
		opErr = result.LastError
	}

	msg := &DLQMessage{
		ID:             msgCtx.ID,
		OriginalTopic:  msgCtx.Topic,
		OriginalKey:    msgCtx.Key,
		Payload:        msgCtx.Payload,
		Error:          opErr.Error(),
		Attempts:       result.Attempts,
		FirstAttemptAt: first,
		LastAttemptAt:  time.Now(),
		Source:         h.source,
	}
	if h.onDLQ != nil {
		h.onDLQ(msg)
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.publishTimeout)
	defer cancel()
	if err := h.publisher.PublishToDLQ(pubCtx, msg); err != nil {
		return errors.Join(opErr, fmt.Errorf("failed to publish to DLQ: %w", err))
	}
	return opErr
}
