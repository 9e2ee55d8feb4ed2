package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/prohmpiriya/fwe-access/internal/domain"
)

// TicketLocker serializes concurrent scans of the same ticket. Work done while
// holding the lock must use the returned context: a backend may bind its own
// database session to it. The unlock func must be called exactly once.
type TicketLocker interface {
	Lock(ctx context.Context, ticketID int64) (lockCtx context.Context, unlock func(), err error)
}

// DefaultLockStripes is the stripe count of the in-process locker
const DefaultLockStripes = 256

// KeyedLocker is an in-process TicketLocker. Tickets hash onto a fixed set of
// stripes, each a one-slot channel, so waiting respects ctx.
type KeyedLocker struct {
	stripes []chan struct{}
}

// NewKeyedLocker creates a new KeyedLocker
func NewKeyedLocker(stripes int) *KeyedLocker {
	if stripes <= 0 {
		stripes = DefaultLockStripes
	}
	l := &KeyedLocker{stripes: make([]chan struct{}, stripes)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until the ticket's stripe is free or ctx ends
func (l *KeyedLocker) Lock(ctx context.Context, ticketID int64) (context.Context, func(), error) {
	stripe := l.stripes[uint64(ticketID)%uint64(len(l.stripes))]

	select {
	case stripe <- struct{}{}:
		var once sync.Once
		return ctx, func() {
			once.Do(func() { <-stripe })
		}, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: ticket %d: %v", domain.ErrLockTimeout, ticketID, ctx.Err())
	}
}
