package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/internal/metrics"
	"github.com/prohmpiriya/fwe-access/internal/repository"
	"github.com/prohmpiriya/fwe-access/pkg/logger"
	"github.com/prohmpiriya/fwe-access/pkg/retry"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// AccessRecorder appends decided scans to the access log
type AccessRecorder interface {
	// Record writes the row with bounded retries. A returned error means the
	// row is not in the database; it has been logged and dead-lettered.
	Record(ctx context.Context, record *domain.AccessRecord) error
}

// AccessRecorderConfig contains configuration for the access recorder
type AccessRecorderConfig struct {
	// MaxRetries is the number of retries after the first insert attempt
	MaxRetries int
	// InitialBackoff is the wait before the first retry
	InitialBackoff time.Duration
	// Topic names the access stream in dead letters
	Topic string
	// Source is the service name stamped on dead letters
	Source string
	// PublishTimeout bounds each access event publish
	PublishTimeout time.Duration
}

// RetryingAccessRecorder writes through the repository with retries and dead-letters lost rows
type RetryingAccessRecorder struct {
	repo           repository.CheckInRepository
	dlq            *retry.DLQHandler
	events         AccessEventPublisher
	topic          string
	publishTimeout time.Duration
	inflight       sync.WaitGroup
}

// NewAccessRecorder creates a new access recorder. A nil dlqPublisher or
// events publisher falls back to the no-op implementations.
func NewAccessRecorder(
	repo repository.CheckInRepository,
	dlqPublisher retry.DLQPublisher,
	events AccessEventPublisher,
	cfg *AccessRecorderConfig,
) *RetryingAccessRecorder {
	retryCfg := retry.DefaultConfig()
	topic := "ticket-access-events"
	source := "fwe-access"
	publishTimeout := 3 * time.Second
	if cfg != nil {
		if cfg.MaxRetries >= 0 {
			retryCfg.MaxRetries = cfg.MaxRetries
		}
		if cfg.InitialBackoff > 0 {
			retryCfg.InitialInterval = cfg.InitialBackoff
		}
		if cfg.Topic != "" {
			topic = cfg.Topic
		}
		if cfg.Source != "" {
			source = cfg.Source
		}
		if cfg.PublishTimeout > 0 {
			publishTimeout = cfg.PublishTimeout
		}
	}
	retryCfg.RetryIf = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}

	if events == nil {
		events = NewNoOpAccessEventPublisher()
	}

	return &RetryingAccessRecorder{
		repo: repo,
		dlq: retry.NewDLQHandler(dlqPublisher, &retry.DLQHandlerConfig{
			RetryConfig: retryCfg,
			Source:      source,
			OnRetry:     logRecordRetry,
			OnDLQ:       logLostRecord,
		}),
		events:         events,
		topic:          topic,
		publishTimeout: publishTimeout,
	}
}

// Record writes the access row and announces it on the access stream
func (r *RetryingAccessRecorder) Record(ctx context.Context, record *domain.AccessRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "service.access_recorder.record")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("ticket_id", record.TicketID),
		attribute.Int("access_action_id", int(record.Action)),
	)

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal access record: %w", err)
	}

	msgCtx := &retry.MessageContext{
		ID:      uuid.New().String(),
		Topic:   r.topic,
		Key:     strconv.FormatInt(record.TicketID, 10),
		Payload: payload,
	}
	if err := r.dlq.ProcessWithDLQ(ctx, msgCtx, func(ctx context.Context) error {
		err := r.repo.AppendAccess(ctx, record)
		if errors.Is(err, domain.ErrAccessRejected) {
			return retry.Permanent(err)
		}
		return err
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "access record lost")
		return fmt.Errorf("failed to record access: %w", err)
	}

	r.publish(ctx, record)

	span.SetStatus(codes.Ok, "")
	return nil
}

// Wait blocks until in-flight access events are published
func (r *RetryingAccessRecorder) Wait() {
	r.inflight.Wait()
}

// publish runs after the response path so a slow broker never delays the gate
func (r *RetryingAccessRecorder) publish(ctx context.Context, record *domain.AccessRecord) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.publishTimeout)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer cancel()
		if err := r.events.PublishAccessRecorded(pubCtx, record); err != nil {
			metrics.RecordAccessEventDropped(pubCtx)
			logger.WarnContext(pubCtx, "failed to publish access event",
				zap.Int64("ticket_id", record.TicketID),
				zap.Int64("access_id", record.ID),
				zap.Error(err),
			)
		}
	}()
}

func logRecordRetry(attempt int, err error, next time.Duration) {
	logger.Warn("access record insert failed, retrying",
		zap.Int("attempt", attempt),
		zap.Duration("next_interval", next),
		zap.Error(err),
	)
}

// logLostRecord reports an access row that will not reach the database
func logLostRecord(msg *retry.DLQMessage) {
	var record domain.AccessRecord
	err := json.Unmarshal(msg.Payload, &record)
	metrics.RecordAccessRecordFailure(context.Background(), int(record.Action))
	if err != nil {
		logger.Error("access record lost",
			zap.String("dlq_id", msg.ID),
			zap.ByteString("payload", msg.Payload),
			zap.String("error", msg.Error),
		)
		return
	}
	logger.Error("access record lost",
		zap.String("dlq_id", msg.ID),
		zap.Int64("ticket_id", record.TicketID),
		zap.Int64("event_id", record.EventID),
		zap.Int64("terminal_id", record.TerminalID),
		zap.String("code", record.Code),
		zap.Time("accessed_at", record.AccessedAt),
		zap.Int("access_action_id", int(record.Action)),
		zap.Int("attempts", msg.Attempts),
		zap.String("error", msg.Error),
	)
}
