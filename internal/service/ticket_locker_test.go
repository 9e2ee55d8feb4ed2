package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_MutualExclusion(t *testing.T) {
	locker := NewKeyedLocker(DefaultLockStripes)

	var (
		inside  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := locker.Lock(context.Background(), 42)
			if !assert.NoError(t, err) {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&overlap))
}

func TestKeyedLocker_Timeout(t *testing.T) {
	locker := NewKeyedLocker(DefaultLockStripes)

	_, unlock, err := locker.Lock(context.Background(), 42)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err = locker.Lock(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.ErrorContains(t, err, "ticket 42")
}

func TestKeyedLocker_IndependentTickets(t *testing.T) {
	locker := NewKeyedLocker(DefaultLockStripes)

	_, unlock, err := locker.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, other, err := locker.Lock(ctx, 2)
	require.NoError(t, err)
	other()
}

func TestKeyedLocker_UnlockTwice(t *testing.T) {
	locker := NewKeyedLocker(1)

	_, unlock, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)
	unlock()
	unlock()

	_, second, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = locker.Lock(ctx, 8)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	second()
}

func TestNewKeyedLocker_DefaultStripes(t *testing.T) {
	assert.Len(t, NewKeyedLocker(0).stripes, DefaultLockStripes)
}
