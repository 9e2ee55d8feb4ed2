package service

import (
	"context"
	"sync"

	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/pkg/kafka"
	"github.com/prohmpiriya/fwe-access/pkg/retry"
)

// MockTerminalRepository is a mock implementation of TerminalRepository
type MockTerminalRepository struct {
	FindByPINFunc func(ctx context.Context, pin string) (*domain.Terminal, error)
}

func (m *MockTerminalRepository) FindByPIN(ctx context.Context, pin string) (*domain.Terminal, error) {
	if m.FindByPINFunc != nil {
		return m.FindByPINFunc(ctx, pin)
	}
	return nil, domain.ErrTerminalNotFound
}

// MockCheckInRepository is a mock implementation of CheckInRepository
type MockCheckInRepository struct {
	FindTicketForCheckInFunc func(ctx context.Context, pin, code string) (*domain.CheckInRow, error)
	CountPriorAccessFunc     func(ctx context.Context, ticketID int64) (int, error)
	AppendAccessFunc         func(ctx context.Context, record *domain.AccessRecord) error
	ListAccessesFunc         func(ctx context.Context, ticketID int64, limit, offset int) ([]*domain.AccessRecord, int, error)
}

func (m *MockCheckInRepository) FindTicketForCheckIn(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
	if m.FindTicketForCheckInFunc != nil {
		return m.FindTicketForCheckInFunc(ctx, pin, code)
	}
	return nil, domain.ErrTicketNotFound
}

func (m *MockCheckInRepository) CountPriorAccess(ctx context.Context, ticketID int64) (int, error) {
	if m.CountPriorAccessFunc != nil {
		return m.CountPriorAccessFunc(ctx, ticketID)
	}
	return 0, nil
}

func (m *MockCheckInRepository) AppendAccess(ctx context.Context, record *domain.AccessRecord) error {
	if m.AppendAccessFunc != nil {
		return m.AppendAccessFunc(ctx, record)
	}
	return nil
}

func (m *MockCheckInRepository) ListAccesses(ctx context.Context, ticketID int64, limit, offset int) ([]*domain.AccessRecord, int, error) {
	if m.ListAccessesFunc != nil {
		return m.ListAccessesFunc(ctx, ticketID, limit, offset)
	}
	return nil, 0, nil
}

// MockAccessRecorder is a mock implementation of AccessRecorder
type MockAccessRecorder struct {
	mu        sync.Mutex
	records   []*domain.AccessRecord
	RecordErr error
}

func (m *MockAccessRecorder) Record(ctx context.Context, record *domain.AccessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.records = append(m.records, record)
	return nil
}

func (m *MockAccessRecorder) Records() []*domain.AccessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.AccessRecord(nil), m.records...)
}

// MockTicketLocker is a mock implementation of TicketLocker
type MockTicketLocker struct {
	LockFunc func(ctx context.Context, ticketID int64) (context.Context, func(), error)
	unlocked int
}

func (m *MockTicketLocker) Lock(ctx context.Context, ticketID int64) (context.Context, func(), error) {
	if m.LockFunc != nil {
		return m.LockFunc(ctx, ticketID)
	}
	return ctx, func() { m.unlocked++ }, nil
}

// MockAccessEventPublisher is a mock implementation of AccessEventPublisher
type MockAccessEventPublisher struct {
	mu         sync.Mutex
	published  []*domain.AccessRecord
	PublishErr error
}

func (m *MockAccessEventPublisher) PublishAccessRecorded(ctx context.Context, record *domain.AccessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.published = append(m.published, record)
	return nil
}

func (m *MockAccessEventPublisher) Close() error {
	return nil
}

func (m *MockAccessEventPublisher) Published() []*domain.AccessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.AccessRecord(nil), m.published...)
}

// MockDLQPublisher captures dead letters
type MockDLQPublisher struct {
	mu         sync.Mutex
	messages   []*retry.DLQMessage
	PublishErr error
}

func (m *MockDLQPublisher) PublishToDLQ(ctx context.Context, msg *retry.DLQMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.PublishErr
}

func (m *MockDLQPublisher) Messages() []*retry.DLQMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*retry.DLQMessage(nil), m.messages...)
}

// MockMessageProducer captures produced Kafka messages
type MockMessageProducer struct {
	messages   []*kafka.Message
	ProduceErr error
}

func (m *MockMessageProducer) Produce(ctx context.Context, msg *kafka.Message) error {
	if m.ProduceErr != nil {
		return m.ProduceErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

// accessLogStore is a concurrency-safe CheckInRepository over fixed rows and an
// in-memory access log. Counting and appending are deliberately separate calls
// so that only the service's lock prevents a double admission.
type accessLogStore struct {
	mu       sync.Mutex
	rows     map[string]*domain.CheckInRow
	accesses []*domain.AccessRecord
	nextID   int64
}

func newAccessLogStore(rows ...*domain.CheckInRow) *accessLogStore {
	s := &accessLogStore{rows: map[string]*domain.CheckInRow{}}
	for _, r := range rows {
		s.rows[r.Code] = r
	}
	return s
}

func (s *accessLogStore) FindTicketForCheckIn(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[code]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *accessLogStore) CountPriorAccess(ctx context.Context, ticketID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.accesses {
		if a.TicketID == ticketID && a.Action == domain.AccessActionGranted {
			n++
		}
	}
	return n, nil
}

func (s *accessLogStore) AppendAccess(ctx context.Context, record *domain.AccessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record.ID = s.nextID
	s.accesses = append(s.accesses, record)
	return nil
}

func (s *accessLogStore) ListAccesses(ctx context.Context, ticketID int64, limit, offset int) ([]*domain.AccessRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*domain.AccessRecord
	for i := len(s.accesses) - 1; i >= 0; i-- {
		if s.accesses[i].TicketID == ticketID {
			matched = append(matched, s.accesses[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return []*domain.AccessRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *accessLogStore) admissions(ticketID int64) int {
	n, _ := s.CountPriorAccess(context.Background(), ticketID)
	return n
}
