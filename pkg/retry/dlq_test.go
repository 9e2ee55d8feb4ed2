package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	Topic   string
	Key     string
	Data    interface{}
	Headers map[string]string
}

// MockProducer records produced messages
type MockProducer struct {
	mu        sync.Mutex
	Published []publishedMessage
	Err       error
	// CtxErr captures ctx.Err() seen at publish time
	CtxErr error
}

func (m *MockProducer) ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CtxErr = ctx.Err()
	if m.Err != nil {
		return m.Err
	}
	m.Published = append(m.Published, publishedMessage{Topic: topic, Key: key, Data: data, Headers: headers})
	return nil
}

func TestKafkaDLQPublisher_Topic(t *testing.T) {
	tests := []struct {
		name     string
		config   *DLQConfig
		original string
		expected string
	}{
		{name: "derived from original", config: &DLQConfig{}, original: "ticket-access-events", expected: "ticket-access-events.dlq"},
		{name: "fixed topic", config: &DLQConfig{Topic: "ticket-access.dlq"}, original: "ticket-access-events", expected: "ticket-access.dlq"},
		{name: "nil config", config: nil, original: "x", expected: "x.dlq"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewKafkaDLQPublisher(&MockProducer{}, tt.config)
			assert.Equal(t, tt.expected, p.Topic(tt.original))
		})
	}
}

func TestKafkaDLQPublisher_PublishToDLQ(t *testing.T) {
	mock := &MockProducer{}
	p := NewKafkaDLQPublisher(mock, &DLQConfig{Topic: "ticket-access.dlq", Source: "fwe-access"})

	msg := &DLQMessage{
		ID:            "m-1",
		OriginalTopic: "ticket-access-events",
		OriginalKey:   "10",
		Payload:       json.RawMessage(`{"ticket_id":10}`),
		Error:         "connection reset",
		Attempts:      3,
	}
	require.NoError(t, p.PublishToDLQ(context.Background(), msg))

	require.Len(t, mock.Published, 1)
	got := mock.Published[0]
	assert.Equal(t, "ticket-access.dlq", got.Topic)
	assert.Equal(t, "10", got.Key)
	assert.Same(t, msg, got.Data)
	assert.Equal(t, "3", got.Headers["attempts"])
	assert.Equal(t, "ticket-access-events", got.Headers["original_topic"])
	assert.Equal(t, "fwe-access", got.Headers["source"])
	assert.Equal(t, "fwe-access", msg.Source)
	assert.False(t, msg.MovedToDLQAt.IsZero())
}

func TestKafkaDLQPublisher_Errors(t *testing.T) {
	p := NewKafkaDLQPublisher(&MockProducer{}, nil)
	assert.Error(t, p.PublishToDLQ(context.Background(), nil))

	failing := NewKafkaDLQPublisher(&MockProducer{Err: errors.New("broker down")}, nil)
	assert.Error(t, failing.PublishToDLQ(context.Background(), &DLQMessage{OriginalTopic: "t"}))
}

func TestDLQHandler_ProcessWithDLQ_Success(t *testing.T) {
	mock := &MockProducer{}
	h := NewDLQHandler(NewKafkaDLQPublisher(mock, nil), &DLQHandlerConfig{RetryConfig: fastConfig(2)})

	calls := 0
	err := h.ProcessWithDLQ(context.Background(), &MessageContext{ID: "1", Topic: "t"}, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Empty(t, mock.Published)
}

func TestDLQHandler_ProcessWithDLQ_AllRetriesFail(t *testing.T) {
	mock := &MockProducer{}
	var dead *DLQMessage
	h := NewDLQHandler(NewKafkaDLQPublisher(mock, &DLQConfig{Topic: "ticket-access.dlq"}), &DLQHandlerConfig{
		RetryConfig: fastConfig(2),
		Source:      "fwe-access",
		OnDLQ:       func(msg *DLQMessage) { dead = msg },
	})

	errDB := errors.New("db unavailable")
	err := h.ProcessWithDLQ(context.Background(), &MessageContext{
		ID:      "m-1",
		Topic:   "ticket-access-events",
		Key:     "10",
		Payload: json.RawMessage(`{"ticket_id":10}`),
	}, func(ctx context.Context) error { return errDB })

	assert.ErrorIs(t, err, errDB)
	require.NotNil(t, dead)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "db unavailable", dead.Error)
	assert.Equal(t, "fwe-access", dead.Source)
	require.Len(t, mock.Published, 1)
	assert.Equal(t, "ticket-access.dlq", mock.Published[0].Topic)
}

func TestDLQHandler_ProcessWithDLQ_OnRetry(t *testing.T) {
	var retries []int
	h := NewDLQHandler(nil, &DLQHandlerConfig{
		RetryConfig: fastConfig(2),
		OnRetry: func(attempt int, err error, next time.Duration) {
			retries = append(retries, attempt)
			assert.EqualError(t, err, "timeout")
		},
	})

	err := h.ProcessWithDLQ(context.Background(), &MessageContext{Topic: "t"}, func(ctx context.Context) error {
		return errors.New("timeout")
	})

	assert.EqualError(t, err, "timeout")
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDLQHandler_ProcessWithDLQ_PublishFails(t *testing.T) {
	mock := &MockProducer{Err: errors.New("broker down")}
	h := NewDLQHandler(NewKafkaDLQPublisher(mock, nil), &DLQHandlerConfig{RetryConfig: fastConfig(0)})

	errDB := errors.New("db unavailable")
	err := h.ProcessWithDLQ(context.Background(), &MessageContext{Topic: "t"}, func(ctx context.Context) error { return errDB })

	assert.ErrorIs(t, err, errDB)
	assert.Contains(t, err.Error(), "failed to publish to DLQ")
}

func TestDLQHandler_PublishesAfterCallerDeadline(t *testing.T) {
	mock := &MockProducer{}
	h := NewDLQHandler(NewKafkaDLQPublisher(mock, nil), &DLQHandlerConfig{RetryConfig: fastConfig(0)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := h.ProcessWithDLQ(ctx, &MessageContext{Topic: "t"}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.Error(t, err)
	require.Len(t, mock.Published, 1)
	assert.NoError(t, mock.CtxErr)
}

func TestNoOpDLQPublisher(t *testing.T) {
	p := NewNoOpDLQPublisher()
	assert.NoError(t, p.PublishToDLQ(context.Background(), &DLQMessage{}))

	h := NewDLQHandler(nil, nil)
	err := h.ProcessWithDLQ(context.Background(), &MessageContext{}, func(ctx context.Context) error {
		return Permanent(errors.New("bad row"))
	})
	assert.EqualError(t, err, "bad row")
}
